package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/credits"
)

var (
	// ErrProjectNotFound is returned when the project does not exist or is
	// not owned by the requesting user. No side effect has occurred.
	ErrProjectNotFound = errors.New("project not found")

	// ErrInvalidClientKey is returned when a caller-supplied idempotency
	// nonce is too long or carries characters outside the allowed set.
	ErrInvalidClientKey = errors.New("invalid idempotency key")

	// ErrJobNotFound means a queue delivery references an unknown job. The
	// delivery must be acknowledged, never retried.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal means the job already reached completed or failed.
	// Reprocessing could double-apply domain effects, so deliveries are
	// acknowledged and dropped.
	ErrJobTerminal = errors.New("job already terminal")

	// ErrJobInProgress means another worker currently holds the job's
	// in-flight lock. Transient: the delivery should be retried later, at
	// which point the terminal-state check acknowledges it.
	ErrJobInProgress = errors.New("job is being processed elsewhere")

	// ErrQueuePublish means the queue answered but refused the message. The
	// job was marked failed and the debit refunded before this is returned.
	ErrQueuePublish = errors.New("queue publish failed")

	// ErrQueueUnreachable is the non-retryable variant for connection-level
	// failures: the queue endpoint itself could not be reached.
	ErrQueueUnreachable = errors.New("queue endpoint unreachable")
)

// RequestResult is the synchronous answer to a live-refresh request.
type RequestResult struct {
	Job       *models.Job
	Remaining int64
	Duplicate bool
}

// ProcessOutcome reports what a queue delivery did.
type ProcessOutcome string

const (
	OutcomeCompleted      ProcessOutcome = "completed"
	OutcomeFailedRefunded ProcessOutcome = "failed_refunded"
)

// ReconcileResult is one job's outcome within a sweep.
type ReconcileResult struct {
	JobID    string `json:"job_id"`
	Refunded bool   `json:"refunded"`
	Error    string `json:"error,omitempty"`
}

// Ledger is the slice of the credit ledger the orchestrator needs.
type Ledger interface {
	GetBalance(ctx context.Context, userID uint) (credits.Balance, error)
	Deduct(ctx context.Context, userID uint, amount int64, feature, description, key string) (credits.DeductResult, error)
	Refund(ctx context.Context, userID uint, amount int64, key, reason string) (credits.RefundResult, error)
}

// Publisher hands a message to the durable task queue.
type Publisher interface {
	Publish(ctx context.Context, endpointURL string, body []byte, retries int) (string, error)
}

// Runner executes the domain work of one job.
type Runner interface {
	RefreshProject(ctx context.Context, project *models.Project) error
}

// ProjectSource resolves a project and verifies ownership.
type ProjectSource interface {
	GetProjectForUser(ctx context.Context, projectID, userID uint) (*models.Project, error)
}

// GuardSet is the distributed guard surface the orchestrator and worker use.
type GuardSet interface {
	CheckCooldown(ctx context.Context, userID uint, resource string) error
	SetCooldown(ctx context.Context, userID uint, resource string, window time.Duration) error
	CheckDailyCap(ctx context.Context, userID uint, limit int64) error
	IncrementDailyCap(ctx context.Context, userID uint) error
	ReserveProviderBudget(ctx context.Context, limit int64) (string, error)
	ReleaseProviderBudget(ctx context.Context, reservation string) error
	AcquireInflight(ctx context.Context, resourceKey string, ttl time.Duration) (bool, error)
	ReleaseInflight(ctx context.Context, resourceKey string) error
}
