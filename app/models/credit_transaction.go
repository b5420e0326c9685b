package models

import "time"

const (
	TxTypeDebit  = "debit"
	TxTypeCredit = "credit"
	TxTypeRefund = "refund"
	TxTypeReset  = "reset"
)

// CreditTransaction is the append-only ledger record. The composite unique
// index (tx_type, idempotency_key) is the central correctness anchor: a debit
// and its refund carry the same key but different types, so each can apply at
// most once while the refund still references the original debit verbatim.
type CreditTransaction struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"index;not null" json:"user_id"`
	Amount         int64     `gorm:"not null" json:"amount"`
	TxType         string    `gorm:"type:varchar(20);not null;index:ux_credit_transactions_type_key,unique,priority:1" json:"tx_type"`
	Description    string    `gorm:"type:varchar(255);not null;default:''" json:"description"`
	IdempotencyKey string    `gorm:"type:varchar(191);not null;index:ux_credit_transactions_type_key,unique,priority:2" json:"idempotency_key"`
	ExternalRef    string    `gorm:"type:varchar(191);not null;default:'';index" json:"external_ref"`
	BalanceAfter   int64     `gorm:"not null;default:0" json:"balance_after"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
