// Package quarantine isolates documents that exhausted their retry budget.
// Quarantined files are moved out of the processing scan area into a dated
// holding directory and tracked with enough diagnostic context for a human
// to decide between re-admission and discard.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/processing/metrics"
)

// Config holds quarantine behavior settings.
type Config struct {
	// Dir is the root of the isolated storage area.
	Dir string `yaml:"dir"`

	// ErrorContextSize is how many recent error records to snapshot into
	// each quarantine record.
	ErrorContextSize int `yaml:"error_context_size"`
}

// Manager moves exhausted jobs into quarantine and re-admits them.
type Manager struct {
	cfg        Config
	jobs       storage.JobRepository
	errorLog   storage.ErrorLogRepository
	quarantine storage.QuarantineRepository
	log        *slog.Logger
}

// NewManager creates a quarantine manager.
func NewManager(
	cfg Config,
	jobs storage.JobRepository,
	errorLog storage.ErrorLogRepository,
	quarantineRepo storage.QuarantineRepository,
	log *slog.Logger,
) *Manager {
	if cfg.ErrorContextSize <= 0 {
		cfg.ErrorContextSize = 5
	}
	return &Manager{
		cfg:        cfg,
		jobs:       jobs,
		errorLog:   errorLog,
		quarantine: quarantineRepo,
		log:        log,
	}
}

// Quarantine isolates a job whose retries are exhausted or whose failure is
// permanent. It writes the quarantine record, moves the file artifact into
// the holding area, and transitions the job to QUARANTINED. The job must be
// in FAILED_TRANSIENT or FAILED_PERMANENT state.
func (m *Manager) Quarantine(
	ctx context.Context,
	job *domain.ProcessingJob,
	trigger *domain.ErrorRecord,
) (*domain.QuarantineRecord, error) {
	if job.State != domain.StateFailedTransient && job.State != domain.StateFailedPermanent {
		return nil, fmt.Errorf("quarantine from state %s: %w", job.State, storage.ErrInvalidTransition)
	}

	errCtx, err := m.errorLog.LastN(ctx, job.ID, m.cfg.ErrorContextSize)
	if err != nil {
		m.log.Warn("Failed to load error context for quarantine",
			"file", job.FileID, "error", err)
	}

	dest, err := m.isolateFile(job.FileID, job.Location, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to isolate %s: %w", job.FileID, err)
	}

	rec := &domain.QuarantineRecord{
		ID:                 uuid.New().String(),
		FileID:             job.FileID,
		OriginalLocation:   job.Location,
		QuarantineLocation: dest,
		Reason:             fmt.Sprintf("%s: %s", trigger.Category, trigger.Message),
		ErrorContext:       errCtx,
		QuarantinedAt:      time.Now(),
	}

	// The record insert is retried on transient store unavailability so a
	// hiccup cannot leave a moved file without its record.
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.quarantine.Add(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record quarantine: %w", err)
	}

	if _, err := m.jobs.Transition(ctx, job.ID, job.State, domain.StateQuarantined, job.Seq,
		storage.TransitionUpdate{Reason: rec.Reason}); err != nil {
		return nil, fmt.Errorf("failed to transition to quarantined: %w", err)
	}

	metrics.Quarantined.Inc()
	m.log.Info("Quarantined document",
		"file", job.FileID,
		"category", trigger.Category,
		"retries", job.RetryCount,
		"dest", dest)

	return rec, nil
}

// ReAdmit clears the open quarantine record, restores the file artifact,
// and resets the job to PENDING with a zero retry count. Files without an
// open record fail with ErrNotQuarantined.
func (m *Manager) ReAdmit(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	rec, err := m.quarantine.GetOpen(ctx, fileID)
	if err != nil {
		return nil, err
	}

	job, err := m.jobs.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job for re-admission: %w", err)
	}
	if job.State != domain.StateQuarantined {
		return nil, fmt.Errorf("job in state %s: %w", job.State, storage.ErrNotQuarantined)
	}

	if err := m.restoreFile(rec); err != nil {
		m.log.Warn("Failed to restore quarantined file, re-admitting anyway",
			"file", fileID, "error", err)
	}

	if err := m.quarantine.Resolve(ctx, fileID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to resolve quarantine record: %w", err)
	}

	zero := 0
	job, err = m.jobs.Transition(ctx, job.ID, domain.StateQuarantined, domain.StatePending, job.Seq,
		storage.TransitionUpdate{
			Reason:     "re-admitted by operator",
			RetryCount: &zero,
			Progress:   &zero,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to reset job: %w", err)
	}

	m.log.Info("Re-admitted document", "file", fileID)
	return job, nil
}

// List returns the open quarantine records, newest first.
func (m *Manager) List(ctx context.Context) ([]*domain.QuarantineRecord, error) {
	return m.quarantine.ListOpen(ctx)
}

// isolateFile moves the artifact into <dir>/YYYYMMDD/<base>. A missing
// source gets a placeholder note so the quarantine entry stays inspectable.
func (m *Manager) isolateFile(fileID, location string, trigger *domain.ErrorRecord) (string, error) {
	subdir := filepath.Join(m.cfg.Dir, time.Now().Format("20060102"))
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create quarantine dir: %w", err)
	}

	base := filepath.Base(location)
	if base == "." || base == string(filepath.Separator) {
		base = fileID
	}
	dest := filepath.Join(subdir, base)

	if _, err := os.Stat(location); errors.Is(err, os.ErrNotExist) {
		note := fmt.Sprintf("placeholder for missing file %s\noriginal location: %s\nreason: %s\n",
			fileID, location, trigger.Message)
		if err := os.WriteFile(dest, []byte(note), 0o644); err != nil {
			return "", fmt.Errorf("failed to write placeholder: %w", err)
		}
		return dest, nil
	}

	if err := moveFile(location, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (m *Manager) restoreFile(rec *domain.QuarantineRecord) error {
	if _, err := os.Stat(rec.QuarantineLocation); err != nil {
		return fmt.Errorf("quarantined artifact missing: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(rec.OriginalLocation), 0o755); err != nil {
		return fmt.Errorf("failed to create original dir: %w", err)
	}
	return moveFile(rec.QuarantineLocation, rec.OriginalLocation)
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}
	return os.Remove(src)
}
