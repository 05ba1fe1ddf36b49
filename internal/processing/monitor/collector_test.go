package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage/memory"
)

func newCollector(t *testing.T) (*Collector, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewCollector(
		CollectorConfig{},
		memory.NewJobRepo(store),
		memory.NewErrorLogRepo(store),
		memory.NewQuarantineRepo(store),
		memory.NewMetricRepo(store),
		nil,
		log,
	)
	return c, store
}

func TestCollect_BuildsSnapshot(t *testing.T) {
	ctx := context.Background()
	c, store := newCollector(t)

	jobs := memory.NewJobRepo(store)
	errorLog := memory.NewErrorLogRepo(store)
	quarantineRepo := memory.NewQuarantineRepo(store)

	now := time.Now()
	for i, state := range []domain.JobState{
		domain.StateCompleted, domain.StateCompleted, domain.StateProcessing,
	} {
		if err := jobs.Create(ctx, &domain.ProcessingJob{
			ID:             string(rune('a' + i)),
			FileID:         string(rune('x' + i)),
			State:          state,
			LastProgressAt: now,
			CreatedAt:      now.Add(-time.Minute),
			UpdatedAt:      now,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	// Completed long before the error window: counted in the state
	// breakdown but not in the error-rate denominator.
	if err := jobs.Create(ctx, &domain.ProcessingJob{
		ID:             "old",
		FileID:         "w",
		State:          domain.StateCompleted,
		LastProgressAt: now.Add(-2 * time.Hour),
		CreatedAt:      now.Add(-3 * time.Hour),
		UpdatedAt:      now.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := errorLog.Append(ctx, &domain.ErrorRecord{
		ID: "e1", JobID: "a", FileID: "x",
		Category:  domain.CategoryIO,
		Severity:  domain.SeverityCritical,
		Message:   "disk full",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := quarantineRepo.Add(ctx, &domain.QuarantineRecord{
		ID: "q1", FileID: "x", QuarantinedAt: now,
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	snap, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if snap.States[domain.StateCompleted] != 3 {
		t.Errorf("expected 3 completed, got %d", snap.States[domain.StateCompleted])
	}
	if snap.ErrorsByCategory[domain.CategoryIO] != 1 {
		t.Errorf("expected 1 IO error, got %d", snap.ErrorsByCategory[domain.CategoryIO])
	}
	if snap.CriticalErrors != 1 {
		t.Errorf("expected 1 critical error, got %d", snap.CriticalErrors)
	}
	if snap.QuarantineCount != 1 {
		t.Errorf("expected 1 quarantined, got %d", snap.QuarantineCount)
	}
	// 1 error over 1 error + 2 completions inside the window; the stale
	// completion stays out of the denominator.
	wantRate := 100.0 / 3.0
	if snap.ErrorRate < wantRate-0.01 || snap.ErrorRate > wantRate+0.01 {
		t.Errorf("expected error rate ~%.2f, got %.2f", wantRate, snap.ErrorRate)
	}

	if got := c.Latest(); got != snap {
		t.Error("Latest does not return the collected snapshot")
	}
}

func TestCollect_PersistsSamples(t *testing.T) {
	ctx := context.Background()
	c, _ := newCollector(t)

	if _, err := c.Collect(ctx); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	samples, err := c.Samples(ctx, "error_rate",
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Samples failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 error_rate sample, got %d", len(samples))
	}
	if samples[0].Unit != "percent" {
		t.Errorf("expected percent unit, got %s", samples[0].Unit)
	}
}

func TestCollect_EmptyStore(t *testing.T) {
	ctx := context.Background()
	c, _ := newCollector(t)

	snap, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("expected zero error rate, got %.2f", snap.ErrorRate)
	}
}
