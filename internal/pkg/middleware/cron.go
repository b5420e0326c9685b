package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

// CronAuthMiddleware guards internal cron endpoints with a shared secret
// carried in the X-Cron-Secret header. With no secret configured every
// request is rejected, an open cron surface is worse than a dead one.
func CronAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := strings.TrimSpace(env.GetEnv("CRON_SECRET", ""))
		if secret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cron_disabled", "message": "Cron secret not configured"})
		}

		provided := strings.TrimSpace(c.Get("X-Cron-Secret"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid cron secret"})
		}
		return c.Next()
	}
}
