package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/usercontext"
)

const historyDefaultLimit = 50
const historyMaxLimit = 200

// HandleGetCreditBalance returns the authenticated user's credit state.
func HandleGetCreditBalance(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	svc := credits.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balance, err := svc.GetBalance(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("balance lookup for user %d failed: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balance"})
	}

	return c.JSON(fiber.Map{
		"total":     balance.Total,
		"used":      balance.Used,
		"remaining": balance.Remaining,
		"plan":      userCtx.Plan,
	})
}

// HandleGetCreditHistory returns recent ledger transactions, newest first.
func HandleGetCreditHistory(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	limit := historyDefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "limit must be a positive integer"})
		}
		if parsed > historyMaxLimit {
			parsed = historyMaxLimit
		}
		limit = parsed
	}

	svc := credits.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	txns, err := svc.History(ctx, userCtx.UserID, limit)
	if err != nil {
		log.Errorf("credit history for user %d failed: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load history"})
	}

	return c.JSON(fiber.Map{
		"count":        len(txns),
		"transactions": txns,
	})
}
