package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/processing/metrics"
)

// Start launches the background maintenance loops and blocks until ctx is
// cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.log.Info("Orchestrator started",
		"retry_tick", o.cfg.RetryTick,
		"reaper_tick", o.cfg.ReaperTick,
		"stuck_threshold", o.cfg.StuckThreshold)

	retryTicker := time.NewTicker(o.cfg.RetryTick)
	defer retryTicker.Stop()
	reaperTicker := time.NewTicker(o.cfg.ReaperTick)
	defer reaperTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Orchestrator stopped")
			return ctx.Err()
		case <-retryTicker.C:
			if err := o.promoteRetries(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("Retry promotion failed", "error", err)
			}
			if err := o.admitPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("Pending admission failed", "error", err)
			}
		case <-reaperTicker.C:
			if err := o.reapStuck(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("Stuck reaper failed", "error", err)
			}
		}
	}
}

// promoteRetries moves due RETRY_SCHEDULED jobs back onto the work queue.
// The retry queue is a fast path; the durable job store is the source of
// truth, so a store scan backstops any dropped queue entry.
func (o *Orchestrator) promoteRetries(ctx context.Context) error {
	now := time.Now()

	due, err := o.retryQueue.PopDue(ctx, now, 100)
	if err != nil {
		return fmt.Errorf("failed to pop retry queue: %w", err)
	}
	seen := make(map[string]bool, len(due))
	for _, fileID := range due {
		seen[fileID] = true
	}

	jobs, err := o.jobs.ListByState(ctx, domain.StateRetryScheduled, 100)
	if err != nil {
		return fmt.Errorf("failed to list retry-scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if !seen[job.FileID] && !o.scheduler.Eligible(job) {
			continue
		}
		if err := o.promoteRetry(ctx, job); err != nil {
			o.log.Warn("Failed to promote retry", "file", job.FileID, "error", err)
		}
	}
	return nil
}

// promoteRetry re-queues a single retry-scheduled job.
func (o *Orchestrator) promoteRetry(ctx context.Context, job *domain.ProcessingJob) error {
	zero := 0
	job, err := o.jobs.Transition(ctx, job.ID, domain.StateRetryScheduled, domain.StateQueued, job.Seq,
		storage.TransitionUpdate{
			Reason:   fmt.Sprintf("retry %d due", job.RetryCount),
			Progress: &zero,
		})
	if err != nil {
		// Lost the race with another promoter tick. Harmless.
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StateRetryScheduled), string(domain.StateQueued)).Inc()
	return o.workQueue.Push(ctx, job.FileID, time.Now())
}

// admitPending sweeps PENDING jobs into the worker pool. Covers jobs left
// behind by a crash between Create and admit, and re-admitted quarantine
// files awaiting pickup. Each job goes back through the preflight filter.
func (o *Orchestrator) admitPending(ctx context.Context) error {
	jobs, err := o.jobs.ListByState(ctx, domain.StatePending, 100)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, job := range jobs {
		if _, err := o.screen(ctx, job); err != nil {
			if errors.Is(err, storage.ErrInvalidTransition) {
				continue
			}
			o.log.Warn("Failed to admit pending job", "file", job.FileID, "error", err)
		}
	}
	return nil
}

// reapStuck fails PROCESSING jobs whose last progress update is older than
// the stuck threshold. The synthetic fault reads as a timeout so the
// classifier routes it down the transient retry path.
func (o *Orchestrator) reapStuck(ctx context.Context) error {
	jobs, err := o.jobs.ListStuck(ctx, time.Now().Add(-o.cfg.StuckThreshold))
	if err != nil {
		return fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	for _, job := range jobs {
		cause := fmt.Errorf("processing timed out: no progress for %s in stage %q",
			time.Since(job.LastProgressAt).Round(time.Second), job.Stage)
		o.log.Warn("Reaping stuck job",
			"file", job.FileID,
			"stage", job.Stage,
			"last_progress_at", job.LastProgressAt.Format(time.RFC3339))

		if err := o.routeFailure(ctx, job, cause); err != nil {
			if errors.Is(err, storage.ErrInvalidTransition) {
				continue
			}
			o.log.Error("Failed to reap stuck job", "file", job.FileID, "error", err)
			continue
		}
		o.releaseLock(ctx, job.FileID)
	}
	return nil
}
