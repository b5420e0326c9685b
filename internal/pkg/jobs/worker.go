package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// ProcessJob executes one queue delivery. The queue delivers at least once,
// so this is written as a pure function of (jobID, stored state): terminal
// rows short-circuit, the in-flight lock serializes concurrent deliveries,
// and the refund is keyed so a re-run cannot compensate twice.
func (s *Service) ProcessJob(ctx context.Context, jobID string) (ProcessOutcome, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("load job: %w", err)
	}
	if job.IsTerminal() {
		return "", ErrJobTerminal
	}

	acquired, err := s.guards.AcquireInflight(ctx, "job:"+job.ID, s.cfg.InflightTTL)
	if err != nil {
		return "", fmt.Errorf("acquire in-flight lock: %w", err)
	}
	if !acquired {
		return "", ErrJobInProgress
	}
	defer func() {
		if err := s.guards.ReleaseInflight(ctx, "job:"+job.ID); err != nil {
			log.Warnf("[Worker] Failed to release in-flight lock for job %s: %v", job.ID, err)
		}
	}()

	if _, err := s.repo.MarkProcessing(ctx, job.ID); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	project, err := s.projects.GetProjectForUser(ctx, job.ProjectID, job.UserID)
	if err != nil {
		return s.failJob(ctx, job.ID, job.UserID, job.IdempotencyKey, job.CreditsCharged,
			fmt.Sprintf("project %d unavailable: %v", job.ProjectID, err))
	}

	if err := s.runner.RefreshProject(ctx, project); err != nil {
		return s.failJob(ctx, job.ID, job.UserID, job.IdempotencyKey, job.CreditsCharged,
			fmt.Sprintf("refresh failed: %v", err))
	}

	done, err := s.repo.MarkCompleted(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}
	if !done {
		// Raced against the reconciler; its failed+refund outcome stands.
		return "", ErrJobTerminal
	}
	log.Infof("[Worker] Job %s completed", job.ID)
	return OutcomeCompleted, nil
}

// failJob records the terminal failure and refunds the original debit. Both
// steps are idempotent; an error in either is transient and surfaces so the
// queue redelivers.
func (s *Service) failJob(ctx context.Context, jobID string, userID uint, key string, charged int64, reason string) (ProcessOutcome, error) {
	if _, err := s.repo.MarkFailed(ctx, jobID, reason); err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	if charged > 0 {
		if _, err := s.ledger.Refund(ctx, userID, charged, key, reason); err != nil {
			return "", fmt.Errorf("refund after failure: %w", err)
		}
	}
	log.Warnf("[Worker] Job %s failed and was refunded: %s", jobID, reason)
	return OutcomeFailedRefunded, nil
}
