package models

import "time"

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one asynchronous live-refresh run. Rows are created exactly once per
// idempotency key and only move forward: queued -> processing -> completed,
// or queued/processing -> failed. Terminal rows reject every further write.
type Job struct {
	ID             string     `gorm:"type:char(36);primaryKey" json:"id"`
	UserID         uint       `gorm:"index;not null" json:"user_id"`
	ProjectID      uint       `gorm:"index;not null" json:"project_id"`
	Status         string     `gorm:"type:varchar(20);not null;default:'queued';index" json:"status"`
	Provider       string     `gorm:"type:varchar(50);not null;default:''" json:"provider"`
	CreditsCharged int64      `gorm:"not null;default:0" json:"credits_charged"`
	IdempotencyKey string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"idempotency_key"`
	QueueMessageID string     `gorm:"type:varchar(191);not null;default:''" json:"queue_message_id"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt      *time.Time `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	FailedAt       *time.Time `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j != nil && (j.Status == JobStatusCompleted || j.Status == JobStatusFailed)
}
