package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/env"
	"github.com/rankpulse/rankpulse/internal/pkg/guards"
	"github.com/rankpulse/rankpulse/internal/pkg/plans"
	"github.com/rankpulse/rankpulse/internal/pkg/serp"
	"github.com/rankpulse/rankpulse/internal/pkg/taskqueue"
)

// Config carries the orchestrator's tunables.
type Config struct {
	CostPerJob     int64
	CooldownWindow time.Duration
	DailyCap       int64
	ProviderBudget int64
	PublishRetries int
	CallbackURL    string
	InflightTTL    time.Duration
	StaleAfter     time.Duration
}

// ConfigFromEnv reads the orchestrator tunables, falling back to defaults.
func ConfigFromEnv() Config {
	return Config{
		CostPerJob:     plans.LiveRefreshCost(plans.PlanFree),
		CooldownWindow: envDuration("JOB_COOLDOWN_SECONDS", 60),
		DailyCap:       envInt64("JOB_DAILY_CAP", 50),
		ProviderBudget: envInt64("PROVIDER_BUDGET_PER_MINUTE", 30),
		PublishRetries: int(envInt64("QUEUE_PUBLISH_RETRIES", 3)),
		CallbackURL:    env.GetEnv("QUEUE_CALLBACK_URL", env.GetEnv("APP_PUBLIC_URL", "http://localhost:4000")+"/webhooks/queue-callback"),
		InflightTTL:    envDuration("JOB_INFLIGHT_TTL_SECONDS", 120),
		StaleAfter:     envDuration("JOB_STALE_AFTER_SECONDS", 600),
	}
}

// Service orchestrates live-refresh jobs: guards, ledger debit, job row,
// queue publish, worker execution, and the reconciliation sweep.
type Service struct {
	cfg      Config
	repo     Repository
	ledger   Ledger
	queue    Publisher
	runner   Runner
	projects ProjectSource
	guards   GuardSet
}

// NewService wires an orchestrator from injected collaborators.
func NewService(cfg Config, repo Repository, ledger Ledger, queue Publisher, runner Runner, projects ProjectSource, guardSet GuardSet) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		ledger:   ledger,
		queue:    queue,
		runner:   runner,
		projects: projects,
		guards:   guardSet,
	}
}

// NewServiceFromDB builds the production wiring: GORM repositories, the
// Redis-backed guards, the durable queue client, and the SERP provider.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(
		ConfigFromEnv(),
		NewRepository(db),
		credits.NewServiceFromDB(db),
		taskqueue.NewClientFromEnv(),
		serp.NewClientFromEnv(),
		NewProjectSource(db),
		RedisGuards{},
	)
}

// taskPayload is the body the queue delivers back to the callback endpoint.
// It references only the job id; all state lives in the job row.
type taskPayload struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// RequestJob runs the synchronous half of a live refresh under the resolved
// idempotency key: guards, ledger debit, job row, queue publish. A duplicate
// submission short-circuits to the existing job without repeating any of it.
func (s *Service) RequestJob(ctx context.Context, userID, projectID uint, clientKey string) (*RequestResult, error) {
	project, err := s.projects.GetProjectForUser(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	key, err := ResolveIdempotencyKey(clientKey, userID, projectID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetByIdempotencyKey(ctx, key); err == nil {
		return s.duplicateResult(ctx, existing)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}

	// Guards run before the ledger so rejections never cost credits.
	if err := s.guards.CheckCooldown(ctx, userID, cooldownResource(projectID)); err != nil {
		return nil, err
	}
	if err := s.guards.CheckDailyCap(ctx, userID, s.cfg.DailyCap); err != nil {
		return nil, err
	}
	reservation, err := s.guards.ReserveProviderBudget(ctx, s.cfg.ProviderBudget)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("live refresh for project %d (%s)", project.ID, project.Domain)
	deduct, err := s.ledger.Deduct(ctx, userID, s.cfg.CostPerJob, LiveRefreshResource, description, key)
	if err != nil {
		// The reserved budget slot will never reach the provider.
		s.releaseBudget(ctx, reservation)
		return nil, err
	}
	if deduct.AlreadyApplied {
		// Debit replay without a job row pre-check hit: another request with
		// this key is mid-flight. Fall through to CreateIfAbsent, which
		// resolves the race to a single row.
		log.Infof("[Jobs] Debit replay for key %s, resolving to existing job", key)
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProjectID:      projectID,
		Status:         models.JobStatusQueued,
		Provider:       serp.ProviderName,
		CreditsCharged: s.cfg.CostPerJob,
		IdempotencyKey: key,
	}
	stored, created, err := s.repo.CreateIfAbsent(ctx, job)
	if err != nil {
		// Job row creation failed after a successful debit: compensate.
		s.compensate(ctx, userID, key, "job row creation failed")
		s.releaseBudget(ctx, reservation)
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		s.releaseBudget(ctx, reservation)
		return s.duplicateResult(ctx, stored)
	}

	body, err := json.Marshal(taskPayload{Type: "process-job", JobID: stored.ID})
	if err != nil {
		s.failAndCompensate(ctx, stored, userID, key, fmt.Sprintf("marshal task payload: %v", err))
		s.releaseBudget(ctx, reservation)
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	messageID, err := s.queue.Publish(ctx, s.cfg.CallbackURL, body, s.cfg.PublishRetries)
	if err != nil {
		s.failAndCompensate(ctx, stored, userID, key, fmt.Sprintf("queue publish failed: %v", err))
		s.releaseBudget(ctx, reservation)
		if errors.Is(err, taskqueue.ErrUnreachable) {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnreachable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrQueuePublish, err)
	}
	if err := s.repo.SetQueueMessageID(ctx, stored.ID, messageID); err != nil {
		// Message id is diagnostic only; the reconciler covers a lost row.
		log.Warnf("[Jobs] Failed to record queue message id for job %s: %v", stored.ID, err)
	}

	// Success side effects only: failed attempts are never penalized.
	if err := s.guards.SetCooldown(ctx, userID, cooldownResource(projectID), s.cfg.CooldownWindow); err != nil {
		log.Warnf("[Jobs] Failed to set cooldown for user %d: %v", userID, err)
	}
	if err := s.guards.IncrementDailyCap(ctx, userID); err != nil {
		log.Warnf("[Jobs] Failed to bump daily cap for user %d: %v", userID, err)
	}

	log.Infof("[Jobs] Queued job %s (key=%s, message=%s)", stored.ID, key, messageID)
	return &RequestResult{Job: stored, Remaining: deduct.Remaining, Duplicate: false}, nil
}

func (s *Service) duplicateResult(ctx context.Context, job *models.Job) (*RequestResult, error) {
	balance, err := s.ledger.GetBalance(ctx, job.UserID)
	if err != nil {
		return nil, err
	}
	return &RequestResult{Job: job, Remaining: balance.Remaining, Duplicate: true}, nil
}

// failAndCompensate marks the job failed and refunds the debit via the same
// key. Both halves are idempotent, so a crash in between is repaired by the
// next attempt or the reconciler.
func (s *Service) failAndCompensate(ctx context.Context, job *models.Job, userID uint, key, diagnostic string) {
	if _, err := s.repo.MarkFailed(ctx, job.ID, diagnostic); err != nil {
		log.Errorf("[Jobs] Failed to mark job %s failed: %v", job.ID, err)
	}
	s.compensate(ctx, userID, key, diagnostic)
}

func (s *Service) compensate(ctx context.Context, userID uint, key, reason string) {
	if _, err := s.ledger.Refund(ctx, userID, s.cfg.CostPerJob, key, reason); err != nil {
		// The reconciler retries this via the stored key.
		log.Errorf("[Jobs] Refund for key %s failed: %v", key, err)
	}
}

func (s *Service) releaseBudget(ctx context.Context, reservation string) {
	if err := s.guards.ReleaseProviderBudget(ctx, reservation); err != nil {
		log.Warnf("[Jobs] Failed to release provider budget slot: %v", err)
	}
}

// RedisGuards adapts the package-level guard primitives to the GuardSet
// interface the orchestrator consumes.
type RedisGuards struct{}

func (RedisGuards) CheckCooldown(ctx context.Context, userID uint, resource string) error {
	return guards.CheckCooldown(ctx, userID, resource)
}

func (RedisGuards) SetCooldown(ctx context.Context, userID uint, resource string, window time.Duration) error {
	return guards.SetCooldown(ctx, userID, resource, window)
}

func (RedisGuards) CheckDailyCap(ctx context.Context, userID uint, limit int64) error {
	return guards.CheckDailyCap(ctx, userID, limit)
}

func (RedisGuards) IncrementDailyCap(ctx context.Context, userID uint) error {
	return guards.IncrementDailyCap(ctx, userID)
}

func (RedisGuards) ReserveProviderBudget(ctx context.Context, limit int64) (string, error) {
	return guards.ReserveProviderBudget(ctx, limit)
}

func (RedisGuards) ReleaseProviderBudget(ctx context.Context, reservation string) error {
	return guards.ReleaseProviderBudget(ctx, reservation)
}

func (RedisGuards) AcquireInflight(ctx context.Context, resourceKey string, ttl time.Duration) (bool, error) {
	return guards.AcquireInflight(ctx, resourceKey, ttl)
}

func (RedisGuards) ReleaseInflight(ctx context.Context, resourceKey string) error {
	return guards.ReleaseInflight(ctx, resourceKey)
}

type gormProjectSource struct {
	db *gorm.DB
}

// NewProjectSource creates a project lookup backed by GORM.
func NewProjectSource(db *gorm.DB) ProjectSource {
	return &gormProjectSource{db: db}
}

func (p *gormProjectSource) GetProjectForUser(ctx context.Context, projectID, userID uint) (*models.Project, error) {
	return models.FindProjectForUser(p.db.WithContext(ctx), projectID, userID)
}

func envInt64(key string, def int64) int64 {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, defSeconds int64) time.Duration {
	return time.Duration(envInt64(key, defSeconds)) * time.Second
}
