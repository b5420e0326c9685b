package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/guards"
	"github.com/rankpulse/rankpulse/internal/pkg/jobs"
	"github.com/rankpulse/rankpulse/internal/pkg/usercontext"
)

type liveRefreshRequest struct {
	ProjectID uint `json:"project_id" validate:"required,min=1"`
}

var requestValidator = validator.New()

// HandleLiveRefresh accepts a live ranking refresh request for one project.
// The client may pin an idempotency key via the X-Idempotency-Key header;
// without one every call is a fresh request.
func HandleLiveRefresh(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req liveRefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if err := requestValidator.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "project_id is required"})
	}

	svc := jobs.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientKey := strings.TrimSpace(c.Get("X-Idempotency-Key"))
	result, err := svc.RequestJob(ctx, userCtx.UserID, req.ProjectID, clientKey)
	if err != nil {
		return respondLiveRefreshError(c, err)
	}

	return c.JSON(fiber.Map{
		"job_id":            result.Job.ID,
		"status":            result.Job.Status,
		"remaining_credits": result.Remaining,
		"duplicate":         result.Duplicate,
	})
}

func respondLiveRefreshError(c *fiber.Ctx, err error) error {
	if guardErr, ok := guards.AsGuardError(err); ok {
		if guardErr.RetryAfter > 0 {
			c.Set("Retry-After", formatRetryAfter(guardErr.RetryAfter))
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "code": guardErr.Kind, "message": guardErr.Error()})
	}

	switch {
	case errors.Is(err, jobs.ErrInvalidClientKey):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "X-Idempotency-Key must be at most 128 characters of [A-Za-z0-9._-]"})
	case errors.Is(err, credits.ErrInsufficientCredits):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough credits for a live refresh"})
	case errors.Is(err, jobs.ErrProjectNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Project not found"})
	case errors.Is(err, jobs.ErrQueueUnreachable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "queue_unreachable", "message": "Task queue unavailable, credits were refunded"})
	case errors.Is(err, jobs.ErrQueuePublish):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "queue_rejected", "message": "Task queue rejected the job, credits were refunded"})
	default:
		log.Errorf("live refresh failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Live refresh failed"})
	}
}
