package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/plans"
	"github.com/rankpulse/rankpulse/internal/pkg/usercontext"
)

// HandleGetUserAccount returns account information for the authenticated user.
func HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	var account models.User
	if err := db.Where("id = ?", userCtx.UserID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user settings"})
	}

	var projectCount int64
	if err := db.Model(&models.Project{}).Where("user_id = ?", userCtx.UserID).Count(&projectCount).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load statistics"})
	}

	svc := credits.NewServiceFromDB(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance, err := svc.GetBalance(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balance"})
	}

	plan := plans.Normalize(settings.Plan)

	return c.JSON(fiber.Map{
		"id":                   account.ID,
		"username":             account.Name,
		"email":                account.Email,
		"status":               account.Status,
		"plan":                 settings.Plan,
		"is_admin":             account.Role == models.ROLE_ADMIN,
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at":        formatTimePtr(account.LastLoginAt),
		"api_key_prefix":       settings.APIKeyPrefix,
		"api_key_last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		"stats": fiber.Map{
			"projects": fiber.Map{
				"count": projectCount,
			},
			"credits": fiber.Map{
				"total":     balance.Total,
				"used":      balance.Used,
				"remaining": balance.Remaining,
			},
		},
		"limits": fiber.Map{
			"monthly_credits":   plans.MonthlyCredits(plans.Base(plan)),
			"live_refresh_cost": plans.LiveRefreshCost(plan),
		},
		"preferences": fiber.Map{
			"email_reports": settings.PrefEmailReports,
		},
	})
}
