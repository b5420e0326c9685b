package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rankpulse/rankpulse/app/models"
	"gorm.io/gorm"
)

// Service is the single mutation boundary of the credit ledger. Every
// state-changing operation carries an idempotency key and is safe to retry.
type Service struct {
	repo Repository
}

// NewService creates a ledger service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// GetBalance reads the derived balance, lazily creating a zeroed account.
func (s *Service) GetBalance(ctx context.Context, userID uint) (Balance, error) {
	account, err := s.repo.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, wrapLedger(err)
	}
	return Balance{
		Total:     account.CreditsTotal,
		Used:      account.CreditsUsed,
		Remaining: account.Remaining(),
	}, nil
}

// Deduct atomically charges amount against the user's balance under the given
// idempotency key. A replayed key short-circuits to the original result.
func (s *Service) Deduct(ctx context.Context, userID uint, amount int64, feature, description, key string) (DeductResult, error) {
	if amount <= 0 {
		return DeductResult{}, fmt.Errorf("%w: deduct amount must be positive", ErrLedger)
	}
	if strings.TrimSpace(key) == "" {
		return DeductResult{}, fmt.Errorf("%w: idempotency key is required", ErrLedger)
	}
	desc := description
	if feature != "" {
		desc = feature + ": " + description
	}

	txn, applied, err := s.repo.ApplyDebit(ctx, userID, amount, desc, key)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return DeductResult{}, err
		}
		return DeductResult{}, wrapLedger(err)
	}
	return DeductResult{Remaining: txn.BalanceAfter, AlreadyApplied: !applied}, nil
}

// Refund credits back using the original debit's key. Replays no-op.
func (s *Service) Refund(ctx context.Context, userID uint, amount int64, key, reason string) (RefundResult, error) {
	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrLedger)
	}
	if strings.TrimSpace(key) == "" {
		return RefundResult{}, fmt.Errorf("%w: idempotency key is required", ErrLedger)
	}

	txn, applied, err := s.repo.ApplyRefund(ctx, userID, amount, key, reason)
	if err != nil {
		if errors.Is(err, ErrNoSuchDebit) {
			return RefundResult{}, err
		}
		return RefundResult{}, wrapLedger(err)
	}
	return RefundResult{Remaining: txn.BalanceAfter, AlreadyRefunded: !applied}, nil
}

// Grant adds purchased credits under a vendor-derived key, e.g.
// "lemonsqueezy:order:1234". Redelivery of the same order is a no-op.
func (s *Service) Grant(ctx context.Context, userID uint, amount int64, key, description, externalRef string) (GrantResult, error) {
	if amount <= 0 {
		return GrantResult{}, fmt.Errorf("%w: grant amount must be positive", ErrLedger)
	}
	if strings.TrimSpace(key) == "" {
		return GrantResult{}, fmt.Errorf("%w: idempotency key is required", ErrLedger)
	}

	txn, applied, err := s.repo.ApplyGrant(ctx, userID, amount, key, description, externalRef)
	if err != nil {
		return GrantResult{}, wrapLedger(err)
	}
	return GrantResult{Remaining: txn.BalanceAfter, AlreadyApplied: !applied}, nil
}

// ResetToPlan replaces the balance with a plan entitlement (total=plan
// credits, used=0), recording a reset transaction under the given key.
func (s *Service) ResetToPlan(ctx context.Context, userID uint, total int64, key, description string) (GrantResult, error) {
	if total < 0 {
		return GrantResult{}, fmt.Errorf("%w: plan entitlement cannot be negative", ErrLedger)
	}
	if strings.TrimSpace(key) == "" {
		return GrantResult{}, fmt.Errorf("%w: idempotency key is required", ErrLedger)
	}

	txn, applied, err := s.repo.ApplyReset(ctx, userID, total, key, description)
	if err != nil {
		return GrantResult{}, wrapLedger(err)
	}
	return GrantResult{Remaining: txn.BalanceAfter, AlreadyApplied: !applied}, nil
}

// History returns the most recent ledger rows for a user.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	txns, err := s.repo.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, wrapLedger(err)
	}
	return txns, nil
}

func wrapLedger(err error) error {
	if errors.Is(err, ErrLedger) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLedger, err)
}
