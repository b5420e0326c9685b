package jobs

import (
	"context"
	"time"

	"github.com/rankpulse/rankpulse/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides job row storage. Status transitions are conditional
// UPDATEs so terminal rows can never regress, no matter how many concurrent
// writers race.
type Repository interface {
	CreateIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Job, error)
	SetQueueMessageID(ctx context.Context, id, messageID string) error
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, errorMessage string) (bool, error)
	ListStaleQueued(ctx context.Context, olderThan time.Time) ([]models.Job, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a job repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateIfAbsent inserts the job unless a row with its idempotency key
// already exists, in which case the existing row is returned. This covers
// the race where two submissions with one key pass the duplicate pre-check
// simultaneously.
func (r *gormRepository) CreateIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(job)
	if tx.Error != nil {
		return nil, false, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Job
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", job.IdempotencyKey).
		First(&stored).Error; err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (r *gormRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) SetQueueMessageID(ctx context.Context, id, messageID string) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		UpdateColumn("queue_message_id", messageID).Error
}

// MarkProcessing moves queued -> processing. Returns false when the job was
// not in queued state.
func (r *gormRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"started_at": &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// MarkCompleted finalizes a non-terminal job as completed.
func (r *gormRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []string{models.JobStatusQueued, models.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"completed_at": &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// MarkFailed finalizes a non-terminal job as failed with a diagnostic.
func (r *gormRepository) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []string{models.JobStatusQueued, models.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"error_message": errorMessage,
			"failed_at":     &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// ListStaleQueued returns queued jobs created before the given cutoff,
// evidence of a lost publish, undelivered task, or crashed worker.
func (r *gormRepository) ListStaleQueued(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	var stale []models.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.JobStatusQueued, olderThan).
		Order("created_at ASC").
		Find(&stale).Error
	return stale, err
}
