package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// ReconcileStale force-terminates queued jobs older than the staleness
// threshold: a lost publish, an undelivered task, or a crashed worker. Each
// job is settled independently so one failure never aborts the sweep.
func (s *Service) ReconcileStale(ctx context.Context) ([]ReconcileResult, error) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.repo.ListStaleQueued(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	results := make([]ReconcileResult, 0, len(stale))
	for _, job := range stale {
		result := ReconcileResult{JobID: job.ID}

		diagnostic := fmt.Sprintf("reconciled: queued at %s, exceeded staleness threshold of %s",
			job.CreatedAt.UTC().Format(time.RFC3339), s.cfg.StaleAfter)
		marked, err := s.repo.MarkFailed(ctx, job.ID, diagnostic)
		if err != nil {
			result.Error = fmt.Sprintf("mark failed: %v", err)
			results = append(results, result)
			continue
		}
		if !marked {
			// The job left queued state between the SELECT and the UPDATE;
			// whoever moved it owns the settlement.
			results = append(results, result)
			continue
		}

		if job.CreditsCharged > 0 {
			refund, err := s.ledger.Refund(ctx, job.UserID, job.CreditsCharged, job.IdempotencyKey, diagnostic)
			if err != nil {
				result.Error = fmt.Sprintf("refund: %v", err)
				results = append(results, result)
				continue
			}
			result.Refunded = !refund.AlreadyRefunded
		}

		log.Warnf("[Reconciler] Job %s force-failed (refunded=%t)", job.ID, result.Refunded)
		results = append(results, result)
	}

	return results, nil
}
