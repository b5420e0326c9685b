package credits

import (
	"context"
	"fmt"
	"testing"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepository mirrors the gorm repository's contract in memory: one row
// per (tx_type, idempotency_key), conditional debit, floor-at-zero refund.
type fakeRepository struct {
	accounts map[uint]*models.CreditAccount
	txns     map[string]*models.CreditTransaction
	failAll  bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts: make(map[uint]*models.CreditAccount),
		txns:     make(map[string]*models.CreditTransaction),
	}
}

func txnKey(txType, key string) string { return txType + "|" + key }

func (r *fakeRepository) GetOrCreateAccount(_ context.Context, userID uint) (*models.CreditAccount, error) {
	if r.failAll {
		return nil, fmt.Errorf("storage down")
	}
	if account, ok := r.accounts[userID]; ok {
		return account, nil
	}
	account := &models.CreditAccount{UserID: userID}
	r.accounts[userID] = account
	return account, nil
}

func (r *fakeRepository) ApplyDebit(ctx context.Context, userID uint, amount int64, description, key string) (*models.CreditTransaction, bool, error) {
	if r.failAll {
		return nil, false, fmt.Errorf("storage down")
	}
	if prior, ok := r.txns[txnKey(models.TxTypeDebit, key)]; ok {
		return prior, false, nil
	}
	account, _ := r.GetOrCreateAccount(ctx, userID)
	if account.CreditsTotal-account.CreditsUsed < amount {
		return nil, false, ErrInsufficientCredits
	}
	account.CreditsUsed += amount
	txn := &models.CreditTransaction{
		UserID: userID, Amount: -amount, TxType: models.TxTypeDebit,
		Description: description, IdempotencyKey: key, BalanceAfter: account.Remaining(),
	}
	r.txns[txnKey(models.TxTypeDebit, key)] = txn
	return txn, true, nil
}

func (r *fakeRepository) ApplyRefund(ctx context.Context, userID uint, amount int64, key, reason string) (*models.CreditTransaction, bool, error) {
	if r.failAll {
		return nil, false, fmt.Errorf("storage down")
	}
	if _, ok := r.txns[txnKey(models.TxTypeDebit, key)]; !ok {
		return nil, false, ErrNoSuchDebit
	}
	if prior, ok := r.txns[txnKey(models.TxTypeRefund, key)]; ok {
		return prior, false, nil
	}
	account, _ := r.GetOrCreateAccount(ctx, userID)
	account.CreditsUsed -= amount
	if account.CreditsUsed < 0 {
		account.CreditsUsed = 0
	}
	txn := &models.CreditTransaction{
		UserID: userID, Amount: amount, TxType: models.TxTypeRefund,
		Description: reason, IdempotencyKey: key, BalanceAfter: account.Remaining(),
	}
	r.txns[txnKey(models.TxTypeRefund, key)] = txn
	return txn, true, nil
}

func (r *fakeRepository) ApplyGrant(ctx context.Context, userID uint, amount int64, key, description, externalRef string) (*models.CreditTransaction, bool, error) {
	if r.failAll {
		return nil, false, fmt.Errorf("storage down")
	}
	if prior, ok := r.txns[txnKey(models.TxTypeCredit, key)]; ok {
		return prior, false, nil
	}
	account, _ := r.GetOrCreateAccount(ctx, userID)
	account.CreditsTotal += amount
	txn := &models.CreditTransaction{
		UserID: userID, Amount: amount, TxType: models.TxTypeCredit,
		Description: description, IdempotencyKey: key, ExternalRef: externalRef,
		BalanceAfter: account.Remaining(),
	}
	r.txns[txnKey(models.TxTypeCredit, key)] = txn
	return txn, true, nil
}

func (r *fakeRepository) ApplyReset(ctx context.Context, userID uint, total int64, key, description string) (*models.CreditTransaction, bool, error) {
	if r.failAll {
		return nil, false, fmt.Errorf("storage down")
	}
	if prior, ok := r.txns[txnKey(models.TxTypeReset, key)]; ok {
		return prior, false, nil
	}
	account, _ := r.GetOrCreateAccount(ctx, userID)
	account.CreditsTotal = total
	account.CreditsUsed = 0
	txn := &models.CreditTransaction{
		UserID: userID, Amount: total, TxType: models.TxTypeReset,
		Description: description, IdempotencyKey: key, BalanceAfter: total,
	}
	r.txns[txnKey(models.TxTypeReset, key)] = txn
	return txn, true, nil
}

func (r *fakeRepository) ListTransactions(_ context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	if r.failAll {
		return nil, fmt.Errorf("storage down")
	}
	var out []models.CreditTransaction
	for _, txn := range r.txns {
		if txn.UserID == userID {
			out = append(out, *txn)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func seedBalance(repo *fakeRepository, userID uint, total, used int64) {
	repo.accounts[userID] = &models.CreditAccount{UserID: userID, CreditsTotal: total, CreditsUsed: used}
}

func TestGetBalanceLazilyCreatesAccount(t *testing.T) {
	svc := NewService(newFakeRepository())

	balance, err := svc.GetBalance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, Balance{Total: 0, Used: 0, Remaining: 0}, balance)
}

func TestDeductInsufficientCreditsLeavesBalanceUntouched(t *testing.T) {
	repo := newFakeRepository()
	seedBalance(repo, 1, 10, 8)
	svc := NewService(repo)

	_, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.ErrorIs(t, err, ErrInsufficientCredits)

	balance, err := svc.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Remaining)
}

func TestDeductReplaySameKeyAppliesOnce(t *testing.T) {
	repo := newFakeRepository()
	seedBalance(repo, 1, 10, 0)
	svc := NewService(repo)

	first, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.Equal(t, int64(7), first.Remaining)

	second, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, int64(7), second.Remaining)

	balance, err := svc.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Remaining)
}

func TestRefundRoundTripRestoresBalance(t *testing.T) {
	repo := newFakeRepository()
	seedBalance(repo, 1, 10, 5)
	svc := NewService(repo)

	_, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.NoError(t, err)

	refund, err := svc.Refund(context.Background(), 1, 3, "k1", "queue publish failed")
	require.NoError(t, err)
	assert.False(t, refund.AlreadyRefunded)
	assert.Equal(t, int64(5), refund.Remaining)
}

func TestRefundIsIdempotent(t *testing.T) {
	repo := newFakeRepository()
	seedBalance(repo, 1, 10, 0)
	svc := NewService(repo)

	_, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		refund, err := svc.Refund(context.Background(), 1, 3, "k1", "worker failure")
		require.NoError(t, err)
		assert.Equal(t, int64(10), refund.Remaining)
		if i > 0 {
			assert.True(t, refund.AlreadyRefunded)
		}
	}

	balance, err := svc.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Remaining)
}

func TestRefundWithoutDebitFails(t *testing.T) {
	svc := NewService(newFakeRepository())

	_, err := svc.Refund(context.Background(), 1, 3, "never-debited", "oops")
	require.ErrorIs(t, err, ErrNoSuchDebit)
}

func TestGrantIsIdempotentPerOrderKey(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	first, err := svc.Grant(context.Background(), 1, 100, "lemonsqueezy:order:42", "credit pack", "42")
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.Equal(t, int64(100), first.Remaining)

	second, err := svc.Grant(context.Background(), 1, 100, "lemonsqueezy:order:42", "credit pack", "42")
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, int64(100), second.Remaining)
}

func TestResetToPlanReplacesBalance(t *testing.T) {
	repo := newFakeRepository()
	seedBalance(repo, 1, 40, 33)
	svc := NewService(repo)

	result, err := svc.ResetToPlan(context.Background(), 1, 250, "lemonsqueezy:subscription:ev1:sub1", "starter renewal")
	require.NoError(t, err)
	assert.Equal(t, int64(250), result.Remaining)

	balance, err := svc.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Balance{Total: 250, Used: 0, Remaining: 250}, balance)
}

func TestStorageFailuresSurfaceAsLedgerErrors(t *testing.T) {
	repo := newFakeRepository()
	repo.failAll = true
	svc := NewService(repo)

	_, err := svc.Deduct(context.Background(), 1, 3, "live-refresh", "refresh run", "k1")
	require.ErrorIs(t, err, ErrLedger)

	_, err = svc.GetBalance(context.Background(), 1)
	require.ErrorIs(t, err, ErrLedger)
}

func TestInputValidation(t *testing.T) {
	svc := NewService(newFakeRepository())
	ctx := context.Background()

	_, err := svc.Deduct(ctx, 1, 0, "f", "d", "k")
	require.ErrorIs(t, err, ErrLedger)
	_, err = svc.Deduct(ctx, 1, 3, "f", "d", "  ")
	require.ErrorIs(t, err, ErrLedger)
	_, err = svc.Refund(ctx, 1, -1, "k", "r")
	require.ErrorIs(t, err, ErrLedger)
	_, err = svc.Grant(ctx, 1, 0, "k", "d", "")
	require.ErrorIs(t, err, ErrLedger)
}
