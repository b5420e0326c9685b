package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/plans"
	"gorm.io/gorm"
)

// Ledger is the slice of the credit service the billing reconciler needs.
type Ledger interface {
	Grant(ctx context.Context, userID uint, amount int64, key, description, externalRef string) (credits.GrantResult, error)
	ResetToPlan(ctx context.Context, userID uint, total int64, key, description string) (credits.GrantResult, error)
}

// Service reconciles vendor webhook deliveries into ledger and tier state.
type Service struct {
	repo   Repository
	ledger Ledger
}

// NewService wires a billing service from its collaborators.
func NewService(repo Repository, ledger Ledger) *Service {
	return &Service{repo: repo, ledger: ledger}
}

// NewServiceFromDB is the production wiring.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), credits.NewService(credits.NewRepository(db)))
}

// RecordWebhookEvent persists the delivery for audit and deduplication.
// It returns the stored row and whether this delivery is a replay of one
// we already saw.
func (s *Service) RecordWebhookEvent(input WebhookEventInput) (*models.BillingWebhookEvent, bool, error) {
	event := &models.BillingWebhookEvent{
		Provider:        input.Provider,
		ProviderEventID: input.ProviderEventID,
		EventType:       input.EventType,
		PayloadJSON:     input.PayloadJSON,
		SignatureValid:  input.SignatureValid,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(event)
	if err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	return stored, !created, nil
}

// MarkWebhookProcessed finalizes the stored delivery row.
func (s *Service) MarkWebhookProcessed(id uint, processingError string) error {
	return s.repo.MarkWebhookProcessed(id, processingError)
}

// HandleEvent applies a normalized webhook event. Every ledger write goes
// through a key constructed from vendor identifiers, so redelivery and
// concurrent duplicate processing are safe.
func (s *Service) HandleEvent(ctx context.Context, event *WebhookEvent) (Outcome, error) {
	switch event.EventName {
	case EventOrderCreated:
		return s.handleOrderCreated(ctx, event)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionResumed:
		return s.handleSubscriptionChange(ctx, event)
	case EventSubscriptionCancelled:
		return s.handleSubscriptionCancelled(ctx, event)
	default:
		log.Infof("[Billing] Ignoring unhandled event %s", event.EventName)
		return OutcomeIgnored, nil
	}
}

func (s *Service) handleOrderCreated(ctx context.Context, event *WebhookEvent) (Outcome, error) {
	user, err := s.resolveUser(event)
	if err != nil {
		return OutcomeIgnored, err
	}
	if user == nil {
		log.Warnf("[Billing] Order %s has no resolvable user, acking", event.OrderID)
		return OutcomeIgnored, nil
	}

	amount, ok := plans.ResolvePackVariant(event.VariantID)
	if !ok {
		log.Warnf("[Billing] Order %s references unknown pack variant %q, acking", event.OrderID, event.VariantID)
		return OutcomeIgnored, nil
	}

	key := fmt.Sprintf("%s:order:%s", BillingProvider, event.OrderID)
	result, err := s.ledger.Grant(ctx, user.ID, amount, key, "credit pack purchase", event.OrderID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("grant for order %s: %w", event.OrderID, err)
	}
	if result.AlreadyApplied {
		log.Infof("[Billing] Order %s already granted for user %d", event.OrderID, user.ID)
		return OutcomeDuplicate, nil
	}
	log.Infof("[Billing] Granted %d credits to user %d for order %s", amount, user.ID, event.OrderID)
	return OutcomeGranted, nil
}

// subscription statuses that entitle the user to the plan's credits
func entitlingStatus(status string) bool {
	switch status {
	case "active", "on_trial", "past_due":
		return true
	}
	return false
}

func (s *Service) handleSubscriptionChange(ctx context.Context, event *WebhookEvent) (Outcome, error) {
	user, err := s.resolveUser(event)
	if err != nil {
		return OutcomeIgnored, err
	}
	if user == nil {
		log.Warnf("[Billing] Subscription %s has no resolvable user, acking", event.SubscriptionID)
		return OutcomeIgnored, nil
	}

	if event.Status == "cancelled" || event.Status == "expired" {
		return s.cancelTier(user, event)
	}
	if !entitlingStatus(event.Status) {
		log.Infof("[Billing] Subscription %s status %q is not entitling, acking", event.SubscriptionID, event.Status)
		return OutcomeIgnored, nil
	}

	plan, ok := plans.ResolveVariant(event.VariantID)
	if !ok {
		return OutcomeIgnored, fmt.Errorf("%w: %q", ErrUnknownVariant, event.VariantID)
	}

	key := fmt.Sprintf("%s:subscription:%s:%s", BillingProvider, event.EventID, event.SubscriptionID)
	description := fmt.Sprintf("%s plan entitlement", plan)
	result, err := s.ledger.ResetToPlan(ctx, user.ID, plans.MonthlyCredits(plan), key, description)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("reset for subscription %s: %w", event.SubscriptionID, err)
	}

	if err := s.setTier(user.ID, plan); err != nil {
		return OutcomeIgnored, err
	}
	if result.AlreadyApplied {
		log.Infof("[Billing] Subscription event %s already applied for user %d", event.EventID, user.ID)
		return OutcomeDuplicate, nil
	}
	log.Infof("[Billing] Reset user %d to plan %s (subscription %s)", user.ID, plan, event.SubscriptionID)
	return OutcomeTierReset, nil
}

func (s *Service) handleSubscriptionCancelled(ctx context.Context, event *WebhookEvent) (Outcome, error) {
	user, err := s.resolveUser(event)
	if err != nil {
		return OutcomeIgnored, err
	}
	if user == nil {
		log.Warnf("[Billing] Cancellation for subscription %s has no resolvable user, acking", event.SubscriptionID)
		return OutcomeIgnored, nil
	}
	return s.cancelTier(user, event)
}

// cancelTier marks the tier as cancelling without touching the balance.
// The hard downgrade happens when the vendor stops renewing and the next
// entitling event never arrives.
func (s *Service) cancelTier(user *models.User, event *WebhookEvent) (Outcome, error) {
	settings, err := s.repo.GetOrCreateUserSettings(user.ID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("load settings for user %d: %w", user.ID, err)
	}
	current := plans.Normalize(settings.Plan)
	if plans.IsCancelling(current) || current == plans.PlanFree {
		return OutcomeDuplicate, nil
	}
	settings.Plan = string(plans.Cancelling(current))
	if err := s.repo.SaveUserSettings(settings); err != nil {
		return OutcomeIgnored, fmt.Errorf("save settings for user %d: %w", user.ID, err)
	}
	log.Infof("[Billing] User %d tier marked cancelling (subscription %s)", user.ID, event.SubscriptionID)
	return OutcomeTierCancelled, nil
}

func (s *Service) setTier(userID uint, plan plans.Plan) error {
	settings, err := s.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return fmt.Errorf("load settings for user %d: %w", userID, err)
	}
	if plans.Normalize(settings.Plan) == plan {
		return nil
	}
	settings.Plan = string(plan)
	if err := s.repo.SaveUserSettings(settings); err != nil {
		return fmt.Errorf("save settings for user %d: %w", userID, err)
	}
	return nil
}

// resolveUser prefers the explicit user id planted in checkout metadata and
// falls back to the billing email. A missing user is not an error, the
// delivery is acked so the vendor stops retrying.
func (s *Service) resolveUser(event *WebhookEvent) (*models.User, error) {
	if event.CustomUserID != 0 {
		user, err := s.repo.FindUserByID(event.CustomUserID)
		if err == nil {
			return user, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("lookup user %d: %w", event.CustomUserID, err)
		}
	}
	if event.UserEmail != "" {
		user, err := s.repo.FindUserByEmail(event.UserEmail)
		if err == nil {
			return user, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("lookup user by email: %w", err)
		}
	}
	return nil, nil
}
