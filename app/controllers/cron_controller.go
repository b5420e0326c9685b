package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rankpulse/rankpulse/internal/pkg/database"
	"github.com/rankpulse/rankpulse/internal/pkg/jobs"
)

// HandleReconcileJobs sweeps stale queued jobs on behalf of the external
// scheduler. Per-job outcomes are reported individually so one bad row never
// hides the rest of the sweep.
func HandleReconcileJobs(c *fiber.Ctx) error {
	svc := jobs.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	results, err := svc.ReconcileStale(ctx)
	if err != nil {
		log.Errorf("stale job sweep failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reconcile_failed"})
	}

	return c.JSON(fiber.Map{
		"reconciled": len(results),
		"results":    results,
	})
}
