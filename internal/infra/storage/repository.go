package storage

import (
	"context"
	"errors"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when no job exists for the given key.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateFile is returned by Create when the file already has a
	// job. Postgres surfaces the same condition as a unique violation.
	ErrDuplicateFile = errors.New("file already has a job")

	// ErrInvalidTransition is returned when a CAS transition loses the race
	// or the requested edge is not in the allowed set.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotQuarantined is returned when re-admission targets a file
	// without an open quarantine record.
	ErrNotQuarantined = errors.New("file is not quarantined")
)

// TransitionUpdate carries the optional field updates applied together with
// a state transition, inside the same atomic write.
type TransitionUpdate struct {
	Reason        string
	Stage         string
	LastError     string
	RetryCount    *int
	MaxRetries    *int
	Progress      *int
	NextAttemptAt *time.Time
}

// JobRepository is the durable record of each document's processing state.
// Transition is the only mutation path for job state.
type JobRepository interface {
	// Create registers a new job. The file identifier must be unique.
	Create(ctx context.Context, job *domain.ProcessingJob) error

	// GetByFileID retrieves a job by its stable file identifier.
	GetByFileID(ctx context.Context, fileID string) (*domain.ProcessingJob, error)

	// GetByID retrieves a job by its ID.
	GetByID(ctx context.Context, id string) (*domain.ProcessingJob, error)

	// Transition atomically moves a job from one state to another,
	// conditioned on the expected current state and sequence number.
	// Exactly one of two racing callers succeeds; the other receives
	// ErrInvalidTransition without side effects.
	Transition(
		ctx context.Context,
		jobID string,
		from, to domain.JobState,
		seq int64,
		upd TransitionUpdate,
	) (*domain.ProcessingJob, error)

	// UpdateProgress records stage and progress for a PROCESSING job.
	// Progress is monotonically non-decreasing within an attempt.
	UpdateProgress(ctx context.Context, jobID string, stage string, percent int) error

	// CountByState returns the number of jobs per state.
	CountByState(ctx context.Context) (map[domain.JobState]int, error)

	// ListByState retrieves jobs in a given state, oldest first.
	ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.ProcessingJob, error)

	// ListStuck retrieves PROCESSING jobs without a progress update since
	// the cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.ProcessingJob, error)

	// History returns the transition audit log for a job, in sequence order.
	History(ctx context.Context, jobID string) ([]domain.Transition, error)

	// CountCompleted returns the number of jobs completed since the cutoff.
	CountCompleted(ctx context.Context, since time.Time) (int, error)

	// AvgProcessingDuration returns the mean enqueue-to-complete duration
	// for jobs completed since the cutoff.
	AvgProcessingDuration(ctx context.Context, since time.Time) (time.Duration, error)
}

// ErrorLogRepository is the append-only processing error log.
type ErrorLogRepository interface {
	// Append records a classified error. Records are never mutated except
	// for the resolved flag.
	Append(ctx context.Context, rec *domain.ErrorRecord) error

	// LastN retrieves the most recent records for a job, newest first.
	LastN(ctx context.Context, jobID string, n int) ([]domain.ErrorRecord, error)

	// CountByCategory counts unresolved errors per category since the cutoff.
	CountByCategory(ctx context.Context, since time.Time) (map[domain.ErrorCategory]int, error)

	// CountBySeverity counts unresolved errors per severity since the cutoff.
	CountBySeverity(ctx context.Context, since time.Time) (map[domain.ErrorSeverity]int, error)

	// Resolve flags a record as resolved.
	Resolve(ctx context.Context, id string) error
}

// QuarantineRepository stores quarantine records, one open record per file.
type QuarantineRepository interface {
	// Add writes a new quarantine record.
	Add(ctx context.Context, rec *domain.QuarantineRecord) error

	// GetOpen retrieves the open record for a file, or ErrNotQuarantined.
	GetOpen(ctx context.Context, fileID string) (*domain.QuarantineRecord, error)

	// Resolve stamps resolved_at on the open record for a file.
	Resolve(ctx context.Context, fileID string, at time.Time) error

	// ListOpen retrieves all open records, newest first.
	ListOpen(ctx context.Context) ([]*domain.QuarantineRecord, error)

	// CountOpen returns the number of open records.
	CountOpen(ctx context.Context) (int, error)
}

// MetricRepository stores immutable metric samples.
type MetricRepository interface {
	// Save writes a batch of samples.
	Save(ctx context.Context, samples []domain.MetricSample) error

	// Range retrieves samples for a metric name within a time window.
	Range(ctx context.Context, name string, from, to time.Time) ([]domain.MetricSample, error)
}
