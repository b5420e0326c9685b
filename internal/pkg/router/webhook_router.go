package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rankpulse/rankpulse/app/controllers"
)

type WebhookRouter struct {
}

// InstallRouter registers the inbound webhook surface. These routes carry
// their own signature verification, so no auth middleware sits in front.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/queue-callback", controllers.HandleQueueCallback)
	app.Post("/webhooks/billing", controllers.HandleBillingWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
