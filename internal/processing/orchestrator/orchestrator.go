// Package orchestrator is the facade workers call to drive a document
// through its processing lifecycle. It owns all writes to job state:
// every mutation goes through the CAS-guarded transition API, so racing
// workers cannot both win the same transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/queue"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/processing/classify"
	"github.com/morenocuratelo/archivista/internal/processing/metrics"
	"github.com/morenocuratelo/archivista/internal/processing/quarantine"
	retrysched "github.com/morenocuratelo/archivista/internal/processing/retry"
)

// ErrStaleReport is returned when a worker reports a result for a job that
// was cancelled while the worker held it. The report is discarded; the job
// stays CANCELLED.
var ErrStaleReport = errors.New("stale worker report discarded")

// Preflight rejects a file before it is admitted to the worker pool, e.g.
// for a duplicate content hash or an unsupported extension. A non-nil error
// routes the job to SKIPPED.
type Preflight func(fileID, location string) error

// Config holds orchestrator settings.
type Config struct {
	// DefaultMaxRetries is the retry budget before the first
	// classification assigns a category-specific one.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// StuckThreshold is how long a PROCESSING job may go without a
	// progress update before it is treated as failed.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`

	// RetryTick is the scheduling interval for re-enqueuing eligible
	// retry-scheduled jobs.
	RetryTick time.Duration `yaml:"retry_tick"`

	// ReaperTick is the scan interval for stuck jobs.
	ReaperTick time.Duration `yaml:"reaper_tick"`

	// LockTTL bounds how long a processing lock survives a crashed worker.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

func (c *Config) applyDefaults() {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Minute
	}
	if c.RetryTick <= 0 {
		c.RetryTick = 5 * time.Second
	}
	if c.ReaperTick <= 0 {
		c.ReaperTick = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
}

// Orchestrator coordinates classification, retry scheduling and quarantine
// around the durable job store.
type Orchestrator struct {
	cfg        Config
	jobs       storage.JobRepository
	errorLog   storage.ErrorLogRepository
	classifier *classify.Classifier
	scheduler  *retrysched.Scheduler
	quarantine *quarantine.Manager
	workQueue  queue.Queue
	retryQueue queue.Queue
	locker     queue.Locker
	preflight  Preflight
	log        *slog.Logger
}

// New creates an orchestrator.
func New(
	cfg Config,
	jobs storage.JobRepository,
	errorLog storage.ErrorLogRepository,
	classifier *classify.Classifier,
	scheduler *retrysched.Scheduler,
	qm *quarantine.Manager,
	workQueue, retryQueue queue.Queue,
	locker queue.Locker,
	log *slog.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		jobs:       jobs,
		errorLog:   errorLog,
		classifier: classifier,
		scheduler:  scheduler,
		quarantine: qm,
		workQueue:  workQueue,
		retryQueue: retryQueue,
		locker:     locker,
		log:        log,
	}
}

// SetPreflight registers the pre-admission filter.
func (o *Orchestrator) SetPreflight(fn Preflight) {
	o.preflight = fn
}

// Enqueue registers a file for processing. It is idempotent: a file with an
// existing job returns that job unchanged, whatever its state.
func (o *Orchestrator) Enqueue(ctx context.Context, fileID, location string) (*domain.ProcessingJob, error) {
	existing, err := o.jobs.GetByFileID(ctx, fileID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrJobNotFound) {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}

	now := time.Now()
	job := &domain.ProcessingJob{
		ID:             uuid.New().String(),
		FileID:         fileID,
		Location:       location,
		State:          domain.StatePending,
		MaxRetries:     o.cfg.DefaultMaxRetries,
		LastProgressAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		// A concurrent Enqueue for the same file may have won the insert.
		if existing, getErr := o.jobs.GetByFileID(ctx, fileID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job, err = o.screen(ctx, job)
	if err != nil {
		return nil, err
	}
	if job.State == domain.StateQueued {
		o.log.Info("Enqueued document", "file", fileID, "job", job.ID)
	}
	return job, nil
}

// screen runs the preflight filter over a PENDING job, routing it to
// SKIPPED or admitting it to the worker pool.
func (o *Orchestrator) screen(ctx context.Context, job *domain.ProcessingJob) (*domain.ProcessingJob, error) {
	if o.preflight != nil {
		if reason := o.preflight(job.FileID, job.Location); reason != nil {
			job, err := o.jobs.Transition(ctx, job.ID, domain.StatePending, domain.StateSkipped, job.Seq,
				storage.TransitionUpdate{Reason: reason.Error()})
			if err != nil {
				return nil, fmt.Errorf("failed to skip job: %w", err)
			}
			metrics.StateTransitions.WithLabelValues(
				string(domain.StatePending), string(domain.StateSkipped)).Inc()
			o.log.Info("Skipped document", "file", job.FileID, "reason", reason.Error())
			return job, nil
		}
	}
	return o.admit(ctx, job)
}

// admit moves a PENDING job to QUEUED and pushes it onto the work queue.
func (o *Orchestrator) admit(ctx context.Context, job *domain.ProcessingJob) (*domain.ProcessingJob, error) {
	job, err := o.jobs.Transition(ctx, job.ID, domain.StatePending, domain.StateQueued, job.Seq,
		storage.TransitionUpdate{Reason: "admitted"})
	if err != nil {
		return nil, fmt.Errorf("failed to admit job: %w", err)
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StatePending), string(domain.StateQueued)).Inc()

	if err := o.workQueue.Push(ctx, job.FileID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to push to work queue: %w", err)
	}
	return job, nil
}

// Begin claims a QUEUED job for processing. The QUEUED -> PROCESSING edge
// is exclusive: of two workers racing on the same file, exactly one gets
// the job, the other receives ErrInvalidTransition.
func (o *Orchestrator) Begin(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	job, err := o.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if o.locker != nil {
		ok, err := o.locker.Acquire(ctx, fileID, o.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire processing lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("file %s: %w", fileID, storage.ErrInvalidTransition)
		}
	}

	zero := 0
	job, err = o.jobs.Transition(ctx, job.ID, domain.StateQueued, domain.StateProcessing, job.Seq,
		storage.TransitionUpdate{Reason: "worker claimed", Progress: &zero})
	if err != nil {
		if o.locker != nil {
			_ = o.locker.Release(ctx, fileID)
		}
		return nil, err
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StateQueued), string(domain.StateProcessing)).Inc()
	return job, nil
}

// Claim pops the next ready file from the work queue and begins it.
// Returns nil without error when the queue is empty.
func (o *Orchestrator) Claim(ctx context.Context) (*domain.ProcessingJob, error) {
	files, err := o.workQueue.PopDue(ctx, time.Now(), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to pop work queue: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	job, err := o.Begin(ctx, files[0])
	if errors.Is(err, storage.ErrInvalidTransition) {
		// Another worker won the claim, or the job was cancelled while
		// queued. Nothing to process.
		return nil, nil
	}
	return job, err
}

// Progress records a stage and progress update for a PROCESSING job.
// Progress is monotonically non-decreasing within an attempt.
func (o *Orchestrator) Progress(ctx context.Context, fileID, stage string, percent int) error {
	job, err := o.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return o.jobs.UpdateProgress(ctx, job.ID, stage, percent)
}

// Complete reports successful processing. A report for a cancelled job is
// discarded with ErrStaleReport; any other state mismatch raises.
func (o *Orchestrator) Complete(ctx context.Context, fileID string) error {
	job, err := o.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return err
	}
	if stale := o.discardStale(job, "success"); stale != nil {
		return stale
	}

	full := 100
	job, err = o.jobs.Transition(ctx, job.ID, domain.StateProcessing, domain.StateCompleted, job.Seq,
		storage.TransitionUpdate{Reason: "completed", Progress: &full})
	if err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StateProcessing), string(domain.StateCompleted)).Inc()
	metrics.ProcessingDuration.Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())

	o.releaseLock(ctx, fileID)
	o.log.Info("Completed document", "file", fileID, "retries", job.RetryCount)
	return nil
}

// Fail reports a processing fault. The fault is classified and recorded,
// then the job is routed to a retry or to quarantine. A report for a
// cancelled job is discarded with ErrStaleReport; calling Fail for a job
// the worker does not hold raises ErrInvalidTransition.
func (o *Orchestrator) Fail(ctx context.Context, fileID string, cause error) error {
	job, err := o.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return err
	}
	if stale := o.discardStale(job, "failure"); stale != nil {
		return stale
	}

	defer o.releaseLock(ctx, fileID)
	return o.routeFailure(ctx, job, cause)
}

// routeFailure classifies the fault, appends the error record, and moves
// the job down the retry/quarantine path. The job must be PROCESSING.
func (o *Orchestrator) routeFailure(ctx context.Context, job *domain.ProcessingJob, cause error) error {
	class := o.classifier.Classify(cause)

	msg := "unknown fault"
	if cause != nil {
		msg = cause.Error()
	}
	rec := &domain.ErrorRecord{
		ID:       uuid.New().String(),
		JobID:    job.ID,
		FileID:   job.FileID,
		Category: class.Category,
		Type:     fmt.Sprintf("%T", cause),
		Message:  msg,
		Details: map[string]any{
			"stage":       job.Stage,
			"progress":    job.ProgressPercent,
			"retry_count": job.RetryCount,
		},
		Severity: class.Severity,
		Stage:    job.Stage,
	}

	// The log append is retried on transient store unavailability; losing
	// the record would strip the quarantine of its diagnostic context.
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if appendErr := o.errorLog.Append(ctx, rec); appendErr != nil {
			return retry.RetryableError(appendErr)
		}
		return nil
	})
	if err != nil {
		o.log.Error("Failed to append error record", "file", job.FileID, "error", err)
	}
	metrics.ProcessingFailures.WithLabelValues(
		string(class.Category), string(class.Severity)).Inc()

	failState := domain.StateFailedTransient
	if !class.Retryable {
		failState = domain.StateFailedPermanent
	}

	maxRetries := class.MaxRetries
	job, err = o.jobs.Transition(ctx, job.ID, domain.StateProcessing, failState, job.Seq,
		storage.TransitionUpdate{
			Reason:     string(class.Category),
			LastError:  msg,
			MaxRetries: &maxRetries,
		})
	if err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StateProcessing), string(failState)).Inc()

	o.log.Warn("Processing failed",
		"file", job.FileID,
		"category", class.Category,
		"severity", class.Severity,
		"retryable", class.Retryable,
		"retry_count", job.RetryCount,
		"error", msg)

	if class.Retryable && job.RetryCount < job.MaxRetries {
		return o.scheduleRetry(ctx, job, class.Category)
	}

	_, err = o.quarantine.Quarantine(ctx, job, rec)
	return err
}

// scheduleRetry moves a transiently failed job to RETRY_SCHEDULED with a
// backoff-computed next attempt time.
func (o *Orchestrator) scheduleRetry(ctx context.Context, job *domain.ProcessingJob, category domain.ErrorCategory) error {
	nextAt := o.scheduler.NextAttemptAt(job.RetryCount, category)
	newCount := job.RetryCount + 1

	job, err := o.jobs.Transition(ctx, job.ID, domain.StateFailedTransient, domain.StateRetryScheduled, job.Seq,
		storage.TransitionUpdate{
			Reason:        fmt.Sprintf("retry %d/%d", newCount, job.MaxRetries),
			RetryCount:    &newCount,
			NextAttemptAt: &nextAt,
		})
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	metrics.StateTransitions.WithLabelValues(
		string(domain.StateFailedTransient), string(domain.StateRetryScheduled)).Inc()
	metrics.RetriesScheduled.WithLabelValues(string(category)).Inc()

	if err := o.retryQueue.Push(ctx, job.FileID, nextAt); err != nil {
		// The durable RETRY_SCHEDULED state is the source of truth; the
		// retry tick re-syncs from it.
		o.log.Warn("Failed to push to retry queue", "file", job.FileID, "error", err)
	}

	o.log.Info("Retry scheduled",
		"file", job.FileID,
		"attempt", newCount,
		"next_attempt_at", nextAt.Format(time.RFC3339))
	return nil
}

// Cancel transitions a non-terminal job to CANCELLED and drops it from the
// queues. Cancelling a terminal job raises ErrInvalidTransition.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s in state %s: %w", jobID, job.State, storage.ErrInvalidTransition)
	}

	from := job.State
	job, err = o.jobs.Transition(ctx, job.ID, from, domain.StateCancelled, job.Seq,
		storage.TransitionUpdate{Reason: "cancelled"})
	if err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(
		string(from), string(domain.StateCancelled)).Inc()

	_ = o.workQueue.Remove(ctx, job.FileID)
	_ = o.retryQueue.Remove(ctx, job.FileID)
	o.releaseLock(ctx, job.FileID)

	o.log.Info("Cancelled job", "file", job.FileID, "job", jobID)
	return nil
}

// ReAdmit clears an open quarantine record and returns the file to PENDING
// with a fresh retry budget. The admission sweep re-screens and queues it
// like any other pending file.
func (o *Orchestrator) ReAdmit(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	return o.quarantine.ReAdmit(ctx, fileID)
}

// Status returns a read-only snapshot of a job.
func (o *Orchestrator) Status(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	return o.jobs.GetByFileID(ctx, fileID)
}

// StateCounts returns the number of jobs per state.
func (o *Orchestrator) StateCounts(ctx context.Context) (map[domain.JobState]int, error) {
	return o.jobs.CountByState(ctx)
}

// History returns the transition audit log for a file.
func (o *Orchestrator) History(ctx context.Context, fileID string) ([]domain.Transition, error) {
	job, err := o.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return o.jobs.History(ctx, job.ID)
}

// ListQuarantined returns the open quarantine records.
func (o *Orchestrator) ListQuarantined(ctx context.Context) ([]*domain.QuarantineRecord, error) {
	return o.quarantine.List(ctx)
}

// discardStale rejects worker reports for cancelled jobs.
func (o *Orchestrator) discardStale(job *domain.ProcessingJob, kind string) error {
	if job.State != domain.StateCancelled {
		return nil
	}
	metrics.StaleReports.Inc()
	o.log.Warn("Discarded stale worker report", "file", job.FileID, "kind", kind)
	return fmt.Errorf("job %s is cancelled: %w", job.ID, ErrStaleReport)
}

func (o *Orchestrator) releaseLock(ctx context.Context, fileID string) {
	if o.locker != nil {
		_ = o.locker.Release(ctx, fileID)
	}
}
