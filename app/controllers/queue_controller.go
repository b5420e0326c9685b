package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/env"
	"github.com/rankpulse/rankpulse/internal/pkg/jobs"
	"github.com/rankpulse/rankpulse/internal/pkg/taskqueue"
)

type queueCallbackPayload struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// HandleQueueCallback receives at-least-once deliveries from the task queue.
// Status codes steer the queue's retry behavior: 200 acknowledges, 500 asks
// for redelivery. Terminal domain outcomes are acknowledged even when the
// job failed, because retrying cannot improve them.
func HandleQueueCallback(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Queue-Signature"))
	signingKey := env.GetEnv("QUEUE_SIGNING_KEY", "")

	if !taskqueue.VerifyCallbackSignature(rawBody, signature, signingKey) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	var payload queueCallbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		// Unparseable payloads can never become parseable, ack them.
		log.Warnf("queue callback with invalid payload: %v", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	if payload.Type != "process-job" || payload.JobID == "" {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	svc := jobs.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	outcome, err := svc.ProcessJob(ctx, payload.JobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrJobTerminal):
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "dropped": true})
		case errors.Is(err, jobs.ErrJobInProgress):
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "in_progress", "retry": true})
		default:
			log.Errorf("queue callback for job %s failed: %v", payload.JobID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed", "retry": true})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": string(outcome)})
}
