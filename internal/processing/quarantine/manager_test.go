package quarantine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/infra/storage/memory"
)

func newManager(t *testing.T) (*Manager, *memory.JobRepo, *memory.ErrorLogRepo, *memory.QuarantineRepo) {
	t.Helper()
	store := memory.NewMemoryStorage()
	jobs := memory.NewJobRepo(store)
	errorLog := memory.NewErrorLogRepo(store)
	quarantineRepo := memory.NewQuarantineRepo(store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(Config{Dir: t.TempDir()}, jobs, errorLog, quarantineRepo, log)
	return m, jobs, errorLog, quarantineRepo
}

func failedJob(id, fileID, location string) *domain.ProcessingJob {
	now := time.Now()
	return &domain.ProcessingJob{
		ID:             id,
		FileID:         fileID,
		Location:       location,
		State:          domain.StateFailedPermanent,
		RetryCount:     0,
		MaxRetries:     0,
		LastProgressAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func trigger(jobID, fileID string) *domain.ErrorRecord {
	return &domain.ErrorRecord{
		ID:       "e1",
		JobID:    jobID,
		FileID:   fileID,
		Category: domain.CategoryValidation,
		Message:  "invalid pdf structure",
		Severity: domain.SeverityHigh,
	}
}

func TestQuarantine_MovesFileAndRecords(t *testing.T) {
	ctx := context.Background()
	m, jobs, _, quarantineRepo := newManager(t)

	srcDir := t.TempDir()
	location := filepath.Join(srcDir, "report.pdf")
	if err := os.WriteFile(location, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := failedJob("j1", "f1", location)
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := m.Quarantine(ctx, job, trigger("j1", "f1"))
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	// Source is gone, quarantined copy exists.
	if _, err := os.Stat(location); !errors.Is(err, os.ErrNotExist) {
		t.Error("source file still present after quarantine")
	}
	data, err := os.ReadFile(rec.QuarantineLocation)
	if err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if string(data) != "pdf bytes" {
		t.Errorf("quarantined content mismatch: %q", data)
	}

	got, _ := jobs.GetByID(ctx, "j1")
	if got.State != domain.StateQuarantined {
		t.Errorf("expected QUARANTINED, got %s", got.State)
	}
	if n, _ := quarantineRepo.CountOpen(ctx); n != 1 {
		t.Errorf("expected 1 open record, got %d", n)
	}
}

func TestQuarantine_MissingSourceGetsPlaceholder(t *testing.T) {
	ctx := context.Background()
	m, jobs, _, _ := newManager(t)

	job := failedJob("j1", "f1", filepath.Join(t.TempDir(), "gone.pdf"))
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := m.Quarantine(ctx, job, trigger("j1", "f1"))
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	data, err := os.ReadFile(rec.QuarantineLocation)
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("placeholder is empty")
	}
}

func TestQuarantine_WrongStateRejected(t *testing.T) {
	ctx := context.Background()
	m, jobs, _, _ := newManager(t)

	job := failedJob("j1", "f1", "nowhere.pdf")
	job.State = domain.StateProcessing
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := m.Quarantine(ctx, job, trigger("j1", "f1"))
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestQuarantine_SnapshotsErrorContext(t *testing.T) {
	ctx := context.Background()
	m, jobs, errorLog, _ := newManager(t)

	job := failedJob("j1", "f1", filepath.Join(t.TempDir(), "gone.pdf"))
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := errorLog.Append(ctx, &domain.ErrorRecord{
			ID:       string(rune('a' + i)),
			JobID:    "j1",
			FileID:   "f1",
			Category: domain.CategoryIO,
			Message:  "disk full",
			Severity: domain.SeverityHigh,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	rec, err := m.Quarantine(ctx, job, trigger("j1", "f1"))
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	// Default context window is 5.
	if len(rec.ErrorContext) != 5 {
		t.Errorf("expected 5 context records, got %d", len(rec.ErrorContext))
	}
}

func TestReAdmit_RestoresFileAndResetsJob(t *testing.T) {
	ctx := context.Background()
	m, jobs, _, quarantineRepo := newManager(t)

	srcDir := t.TempDir()
	location := filepath.Join(srcDir, "report.pdf")
	if err := os.WriteFile(location, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := failedJob("j1", "f1", location)
	job.RetryCount = 3
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Quarantine(ctx, job, trigger("j1", "f1")); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	got, err := m.ReAdmit(ctx, "f1")
	if err != nil {
		t.Fatalf("ReAdmit failed: %v", err)
	}
	if got.State != domain.StatePending {
		t.Errorf("expected PENDING, got %s", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected retry count reset, got %d", got.RetryCount)
	}

	// File is back at its original location.
	if _, err := os.Stat(location); err != nil {
		t.Errorf("original file not restored: %v", err)
	}
	if n, _ := quarantineRepo.CountOpen(ctx); n != 0 {
		t.Errorf("record still open after re-admission")
	}
}

func TestReAdmit_NotQuarantined(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	_, err := m.ReAdmit(ctx, "nope")
	if !errors.Is(err, storage.ErrNotQuarantined) {
		t.Errorf("expected ErrNotQuarantined, got %v", err)
	}
}
