package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BillingProvider is the single supported vendor identifier.
const BillingProvider = "lemonsqueezy"

// Supported vendor event names. Everything else is acknowledged as a no-op
// so the vendor stops redelivering.
const (
	EventOrderCreated          = "order_created"
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionResumed   = "subscription_resumed"
	EventSubscriptionCancelled = "subscription_cancelled"
)

// ErrUnknownVariant is returned when a subscription event references a
// variant id outside the allow-list. The tier must never change for an
// unconfigured variant.
var ErrUnknownVariant = errors.New("unknown billing variant")

// WebhookEvent is the normalized view of a vendor payload.
type WebhookEvent struct {
	EventName      string
	EventID        string
	OrderID        string
	SubscriptionID string
	VariantID      string
	Status         string
	UserEmail      string
	CustomUserID   uint
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// Outcome classifies what a webhook delivery did.
type Outcome string

const (
	OutcomeGranted       Outcome = "granted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeTierReset     Outcome = "tier_reset"
	OutcomeTierCancelled Outcome = "tier_cancelled"
	OutcomeIgnored       Outcome = "ignored"
)

type webhookPayload struct {
	Meta struct {
		EventName  string `json:"event_name"`
		WebhookID  string `json:"webhook_id"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			UserEmail      string          `json:"user_email"`
			Status         string          `json:"status"`
			VariantID      json.RawMessage `json:"variant_id"`
			FirstOrderItem struct {
				VariantID json.RawMessage `json:"variant_id"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseWebhookEvent normalizes a raw vendor payload. Signature verification
// must happen before this runs.
func ParseWebhookEvent(raw []byte) (*WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	event := &WebhookEvent{
		EventName: strings.ToLower(strings.TrimSpace(p.Meta.EventName)),
		EventID:   strings.TrimSpace(p.Meta.WebhookID),
		Status:    strings.ToLower(strings.TrimSpace(p.Data.Attributes.Status)),
		UserEmail: strings.TrimSpace(p.Data.Attributes.UserEmail),
	}
	if event.EventName == "" {
		return nil, errors.New("webhook payload carries no event name")
	}

	if uid := strings.TrimSpace(p.Meta.CustomData.UserID); uid != "" {
		parsed, err := strconv.ParseUint(uid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid custom user_id %q", uid)
		}
		event.CustomUserID = uint(parsed)
	}

	variant := rawToString(p.Data.Attributes.VariantID)
	if variant == "" {
		variant = rawToString(p.Data.Attributes.FirstOrderItem.VariantID)
	}
	event.VariantID = variant

	if event.EventName == EventOrderCreated {
		event.OrderID = p.Data.ID
	} else {
		event.SubscriptionID = p.Data.ID
	}
	return event, nil
}

// rawToString accepts the vendor's habit of sending variant ids as either
// JSON numbers or strings.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
