package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rankpulse/rankpulse/internal/pkg/billing"
	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

// HandleBillingWebhook receives vendor billing events. The signature over the
// raw payload is checked before anything is parsed; every delivery is stored
// for audit; ledger writes behind it are keyed so redeliveries stay no-ops.
func HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Signature"))
	secret := env.GetEnv("BILLING_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookSignature(rawBody, signature, secret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := billing.ParseWebhookEvent(rawBody)
	if err != nil {
		log.Warnf("billing webhook with invalid payload: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())

	eventID := event.EventID
	if eventID == "" {
		eventID = strings.TrimSpace(c.Get("X-Event-Id"))
	}
	if eventID == "" {
		// No vendor id at all: key the delivery by its content so distinct
		// events never dedup against each other.
		sum := sha256.Sum256(rawBody)
		eventID = "payload:" + hex.EncodeToString(sum[:])
	}
	stored, duplicate, err := svc.RecordWebhookEvent(billing.WebhookEventInput{
		Provider:        billing.BillingProvider,
		ProviderEventID: eventID,
		EventType:       event.EventName,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Errorf("billing webhook persist failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := svc.HandleEvent(ctx, event)
	if err != nil {
		_ = svc.MarkWebhookProcessed(stored.ID, err.Error())
		if errors.Is(err, billing.ErrUnknownVariant) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_variant"})
		}
		log.Errorf("billing webhook %s processing failed: %v", eventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	_ = svc.MarkWebhookProcessed(stored.ID, "")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": string(outcome)})
}
