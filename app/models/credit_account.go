package models

import (
	"time"

	"gorm.io/gorm"
)

// CreditAccount is the derived balance for one user. It is only ever mutated
// inside the credits package's transactional boundary; everything else reads.
type CreditAccount struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	CreditsTotal int64     `gorm:"not null;default:0" json:"credits_total"`
	CreditsUsed  int64     `gorm:"not null;default:0" json:"credits_used"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Remaining never reports a negative balance.
func (a *CreditAccount) Remaining() int64 {
	if a == nil {
		return 0
	}
	remaining := a.CreditsTotal - a.CreditsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetOrCreateCreditAccount lazily creates a zeroed account. A missing row is
// never an error.
func GetOrCreateCreditAccount(db *gorm.DB, userID uint) (*CreditAccount, error) {
	var account CreditAccount
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			account = CreditAccount{UserID: userID}
			if err := db.Create(&account).Error; err != nil {
				return nil, err
			}
			return &account, nil
		}
		return nil, err
	}
	return &account, nil
}
