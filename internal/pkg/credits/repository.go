package credits

import (
	"context"

	"github.com/rankpulse/rankpulse/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the transactional ledger operations. Every mutation
// runs inside one database transaction so the conditional balance update and
// the ledger row land (or vanish) together.
type Repository interface {
	GetOrCreateAccount(ctx context.Context, userID uint) (*models.CreditAccount, error)
	ApplyDebit(ctx context.Context, userID uint, amount int64, description, key string) (*models.CreditTransaction, bool, error)
	ApplyRefund(ctx context.Context, userID uint, amount int64, key, reason string) (*models.CreditTransaction, bool, error)
	ApplyGrant(ctx context.Context, userID uint, amount int64, key, description, externalRef string) (*models.CreditTransaction, bool, error)
	ApplyReset(ctx context.Context, userID uint, total int64, key, description string) (*models.CreditTransaction, bool, error)
	ListTransactions(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetOrCreateAccount(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	return models.GetOrCreateCreditAccount(r.db.WithContext(ctx), userID)
}

// ApplyDebit inserts the debit row and decrements the balance atomically.
// The unique (tx_type, idempotency_key) index turns replays into no-ops: when
// the insert affects no rows the previously recorded transaction is returned
// instead, and the conditional UPDATE never runs.
func (r *gormRepository) ApplyDebit(ctx context.Context, userID uint, amount int64, description, key string) (*models.CreditTransaction, bool, error) {
	var txn models.CreditTransaction
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetOrCreateCreditAccount(tx, userID); err != nil {
			return err
		}

		txn = models.CreditTransaction{
			UserID:         userID,
			Amount:         -amount,
			TxType:         models.TxTypeDebit,
			Description:    description,
			IdempotencyKey: key,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tx_type"},
				{Name: "idempotency_key"},
			},
			DoNothing: true,
		}).Create(&txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Replay: surface the original application unchanged.
			return tx.Where("tx_type = ? AND idempotency_key = ?", models.TxTypeDebit, key).
				First(&txn).Error
		}

		update := tx.Model(&models.CreditAccount{}).
			Where("user_id = ? AND credits_total - credits_used >= ?", userID, amount).
			UpdateColumn("credits_used", gorm.Expr("credits_used + ?", amount))
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// Rolls back the inserted debit row as well.
			return ErrInsufficientCredits
		}

		remaining, err := remainingIn(tx, userID)
		if err != nil {
			return err
		}
		txn.BalanceAfter = remaining
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", txn.ID).
			UpdateColumn("balance_after", remaining).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &txn, applied, nil
}

// ApplyRefund credits back using the original debit's key. The refund row
// shares the key with the debit but carries tx_type=refund, so the composite
// unique index allows exactly one refund per debit.
func (r *gormRepository) ApplyRefund(ctx context.Context, userID uint, amount int64, key, reason string) (*models.CreditTransaction, bool, error) {
	var txn models.CreditTransaction
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var debit models.CreditTransaction
		if err := tx.Where("tx_type = ? AND idempotency_key = ?", models.TxTypeDebit, key).
			First(&debit).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNoSuchDebit
			}
			return err
		}

		txn = models.CreditTransaction{
			UserID:         userID,
			Amount:         amount,
			TxType:         models.TxTypeRefund,
			Description:    reason,
			IdempotencyKey: key,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tx_type"},
				{Name: "idempotency_key"},
			},
			DoNothing: true,
		}).Create(&txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("tx_type = ? AND idempotency_key = ?", models.TxTypeRefund, key).
				First(&txn).Error
		}

		if err := tx.Model(&models.CreditAccount{}).
			Where("user_id = ?", userID).
			UpdateColumn("credits_used", gorm.Expr("GREATEST(credits_used - ?, 0)", amount)).Error; err != nil {
			return err
		}

		remaining, err := remainingIn(tx, userID)
		if err != nil {
			return err
		}
		txn.BalanceAfter = remaining
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", txn.ID).
			UpdateColumn("balance_after", remaining).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &txn, applied, nil
}

func (r *gormRepository) ApplyGrant(ctx context.Context, userID uint, amount int64, key, description, externalRef string) (*models.CreditTransaction, bool, error) {
	var txn models.CreditTransaction
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetOrCreateCreditAccount(tx, userID); err != nil {
			return err
		}

		txn = models.CreditTransaction{
			UserID:         userID,
			Amount:         amount,
			TxType:         models.TxTypeCredit,
			Description:    description,
			IdempotencyKey: key,
			ExternalRef:    externalRef,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tx_type"},
				{Name: "idempotency_key"},
			},
			DoNothing: true,
		}).Create(&txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("tx_type = ? AND idempotency_key = ?", models.TxTypeCredit, key).
				First(&txn).Error
		}

		if err := tx.Model(&models.CreditAccount{}).
			Where("user_id = ?", userID).
			UpdateColumn("credits_total", gorm.Expr("credits_total + ?", amount)).Error; err != nil {
			return err
		}

		remaining, err := remainingIn(tx, userID)
		if err != nil {
			return err
		}
		txn.BalanceAfter = remaining
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", txn.ID).
			UpdateColumn("balance_after", remaining).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &txn, applied, nil
}

// ApplyReset rewrites the account to a plan entitlement: total becomes the
// plan amount and used drops to zero. Used on subscription activation/renewal.
func (r *gormRepository) ApplyReset(ctx context.Context, userID uint, total int64, key, description string) (*models.CreditTransaction, bool, error) {
	var txn models.CreditTransaction
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetOrCreateCreditAccount(tx, userID); err != nil {
			return err
		}

		txn = models.CreditTransaction{
			UserID:         userID,
			Amount:         total,
			TxType:         models.TxTypeReset,
			Description:    description,
			IdempotencyKey: key,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tx_type"},
				{Name: "idempotency_key"},
			},
			DoNothing: true,
		}).Create(&txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("tx_type = ? AND idempotency_key = ?", models.TxTypeReset, key).
				First(&txn).Error
		}

		if err := tx.Model(&models.CreditAccount{}).
			Where("user_id = ?", userID).
			UpdateColumns(map[string]interface{}{
				"credits_total": total,
				"credits_used":  0,
			}).Error; err != nil {
			return err
		}

		txn.BalanceAfter = total
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", txn.ID).
			UpdateColumn("balance_after", total).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &txn, applied, nil
}

func (r *gormRepository) ListTransactions(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txns []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func remainingIn(tx *gorm.DB, userID uint) (int64, error) {
	var account models.CreditAccount
	if err := tx.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return 0, err
	}
	return account.Remaining(), nil
}
