package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/queue"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/infra/storage/memory"
	"github.com/morenocuratelo/archivista/internal/processing/classify"
	"github.com/morenocuratelo/archivista/internal/processing/quarantine"
	retrysched "github.com/morenocuratelo/archivista/internal/processing/retry"
)

// =============================================================================
// Test Harness
// =============================================================================

type harness struct {
	orch       *Orchestrator
	jobs       *memory.JobRepo
	errorLog   *memory.ErrorLogRepo
	quarantine *memory.QuarantineRepo
	workQueue  *queue.MemoryQueue
	retryQueue *queue.MemoryQueue
}

// newHarness wires an orchestrator on memory storage with near-zero backoff
// so retries become eligible immediately.
func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.NewMemoryStorage()
	jobs := memory.NewJobRepo(store)
	errorLog := memory.NewErrorLogRepo(store)
	quarantineRepo := memory.NewQuarantineRepo(store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	policies := make(map[domain.ErrorCategory]retrysched.Policy)
	for _, cat := range []domain.ErrorCategory{
		domain.CategoryIO, domain.CategoryResource,
		domain.CategoryAPI, domain.CategoryUnknown,
	} {
		policies[cat] = retrysched.Policy{Base: time.Nanosecond, Cap: time.Nanosecond}
	}

	qm := quarantine.NewManager(
		quarantine.Config{Dir: t.TempDir()},
		jobs, errorLog, quarantineRepo, log,
	)

	workQueue := queue.NewMemoryQueue()
	retryQueue := queue.NewMemoryQueue()

	orch := New(
		Config{},
		jobs, errorLog,
		classify.NewDefault(),
		retrysched.New(policies, 0),
		qm,
		workQueue, retryQueue,
		queue.NewMemoryLocker(),
		log,
	)

	return &harness{
		orch:       orch,
		jobs:       jobs,
		errorLog:   errorLog,
		quarantine: quarantineRepo,
		workQueue:  workQueue,
		retryQueue: retryQueue,
	}
}

func (h *harness) mustState(t *testing.T, fileID string, want domain.JobState) *domain.ProcessingJob {
	t.Helper()
	job, err := h.jobs.GetByFileID(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetByFileID(%s) failed: %v", fileID, err)
	}
	if job.State != want {
		t.Fatalf("file %s: expected state %s, got %s", fileID, want, job.State)
	}
	return job
}

// =============================================================================
// Enqueue Tests
// =============================================================================

func TestEnqueue_NewJobQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.State != domain.StateQueued {
		t.Errorf("expected QUEUED, got %s", job.State)
	}
	if n, _ := h.workQueue.Len(ctx); n != 1 {
		t.Errorf("expected 1 queued file, got %d", n)
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same job, got %s and %s", first.ID, second.ID)
	}
	if second.State != domain.StateQueued {
		t.Errorf("state changed on re-enqueue: %s", second.State)
	}
	if n, _ := h.workQueue.Len(ctx); n != 1 {
		t.Errorf("expected 1 queued file, got %d", n)
	}
}

func TestEnqueue_TerminalJobUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.orch.Complete(ctx, "doc-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	job, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("re-Enqueue failed: %v", err)
	}
	if job.State != domain.StateCompleted {
		t.Errorf("completed job resurrected: %s", job.State)
	}
}

func TestEnqueue_PreflightSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.SetPreflight(func(fileID, location string) error {
		return errors.New("duplicate content hash")
	})

	job, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.State != domain.StateSkipped {
		t.Errorf("expected SKIPPED, got %s", job.State)
	}
	if n, _ := h.workQueue.Len(ctx); n != 0 {
		t.Errorf("skipped job must not be queued, got %d entries", n)
	}
}

// =============================================================================
// Begin / Claim Tests
// =============================================================================

func TestBegin_Exclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("first Begin failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("second Begin: expected ErrInvalidTransition, got %v", err)
	}

	h.mustState(t, "doc-1", domain.StateProcessing)
}

func TestClaim_EmptyQueue(t *testing.T) {
	h := newHarness(t)

	job, err := h.orch.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job on empty queue, got %+v", job)
	}
}

func TestClaim_PopsAndBegins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := h.orch.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil || job.State != domain.StateProcessing {
		t.Fatalf("expected PROCESSING job, got %+v", job)
	}
}

// =============================================================================
// Failure Routing Tests
// =============================================================================

func TestFail_ValidationGoesStraightToQuarantine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := h.orch.Fail(ctx, "doc-1", errors.New("invalid pdf structure")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	job := h.mustState(t, "doc-1", domain.StateQuarantined)
	if job.RetryCount != 0 {
		t.Errorf("validation failure must not consume retries, got %d", job.RetryCount)
	}

	recs, err := h.errorLog.LastN(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("LastN failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 error record, got %d", len(recs))
	}
	if recs[0].Category != domain.CategoryValidation {
		t.Errorf("expected ValidationError, got %s", recs[0].Category)
	}

	if n, _ := h.quarantine.CountOpen(ctx); n != 1 {
		t.Errorf("expected 1 open quarantine record, got %d", n)
	}
}

func TestFail_TransientSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := h.orch.Fail(ctx, "doc-1", errors.New("read: connection reset")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	job := h.mustState(t, "doc-1", domain.StateRetryScheduled)
	if job.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", job.RetryCount)
	}
	if job.MaxRetries != 5 {
		t.Errorf("expected IOError budget 5, got %d", job.MaxRetries)
	}
	if job.NextAttemptAt == nil {
		t.Error("expected next_attempt_at to be set")
	}
	if n, _ := h.retryQueue.Len(ctx); n != 1 {
		t.Errorf("expected 1 entry in retry queue, got %d", n)
	}
}

func TestFail_RetriesThenSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Three transient IO failures, each followed by a retry promotion.
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
			t.Fatalf("Begin attempt %d failed: %v", attempt, err)
		}
		if err := h.orch.Fail(ctx, "doc-1", errors.New("disk full")); err != nil {
			t.Fatalf("Fail attempt %d failed: %v", attempt, err)
		}
		h.mustState(t, "doc-1", domain.StateRetryScheduled)

		if err := h.orch.promoteRetries(ctx); err != nil {
			t.Fatalf("promoteRetries failed: %v", err)
		}
		h.mustState(t, "doc-1", domain.StateQueued)
	}

	// Fourth attempt succeeds.
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("final Begin failed: %v", err)
	}
	if err := h.orch.Complete(ctx, "doc-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	job := h.mustState(t, "doc-1", domain.StateCompleted)
	if job.RetryCount != 3 {
		t.Errorf("expected retry_count 3, got %d", job.RetryCount)
	}
	if n, _ := h.quarantine.CountOpen(ctx); n != 0 {
		t.Errorf("successful job must not be quarantined")
	}
}

func TestFail_BudgetExhaustionQuarantines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// APIError budget is 2: two scheduled retries, the third failure
	// exhausts the budget.
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
			t.Fatalf("Begin attempt %d failed: %v", attempt, err)
		}
		if err := h.orch.Fail(ctx, "doc-1", errors.New("llm request timed out")); err != nil {
			t.Fatalf("Fail attempt %d failed: %v", attempt, err)
		}
		if attempt < 2 {
			h.mustState(t, "doc-1", domain.StateRetryScheduled)
			if err := h.orch.promoteRetries(ctx); err != nil {
				t.Fatalf("promoteRetries failed: %v", err)
			}
		}
	}

	job := h.mustState(t, "doc-1", domain.StateQuarantined)
	if job.RetryCount != 2 {
		t.Errorf("expected retry_count 2 at quarantine, got %d", job.RetryCount)
	}
	if job.RetryCount > job.MaxRetries {
		t.Errorf("retry_count %d exceeds budget %d", job.RetryCount, job.MaxRetries)
	}
	if n, _ := h.quarantine.CountOpen(ctx); n != 1 {
		t.Errorf("expected 1 open quarantine record, got %d", n)
	}
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestCancel_LateSuccessDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := h.orch.Begin(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := h.orch.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// The worker finishes late; its report must be discarded.
	if err := h.orch.Complete(ctx, "doc-1"); !errors.Is(err, ErrStaleReport) {
		t.Errorf("expected ErrStaleReport, got %v", err)
	}
	if err := h.orch.Fail(ctx, "doc-1", errors.New("late failure")); !errors.Is(err, ErrStaleReport) {
		t.Errorf("expected ErrStaleReport on late Fail, got %v", err)
	}

	h.mustState(t, "doc-1", domain.StateCancelled)
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := h.orch.Begin(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.orch.Complete(ctx, "doc-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := h.orch.Cancel(ctx, job.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition cancelling COMPLETED, got %v", err)
	}
}

func TestCancel_RemovesFromQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := h.orch.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if n, _ := h.workQueue.Len(ctx); n != 0 {
		t.Errorf("cancelled job still in work queue")
	}
	h.mustState(t, "doc-1", domain.StateCancelled)
}

func TestCancel_QuarantinedJobRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.orch.Fail(ctx, "doc-1", errors.New("malformed docx archive")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	job := h.mustState(t, "doc-1", domain.StateQuarantined)

	// Cancellation must not strand the open quarantine record: the only
	// way out of QUARANTINED is re-admission.
	if err := h.orch.Cancel(ctx, job.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling QUARANTINED, got %v", err)
	}
	h.mustState(t, "doc-1", domain.StateQuarantined)
	if n, _ := h.quarantine.CountOpen(ctx); n != 1 {
		t.Errorf("expected the quarantine record to stay open, got %d", n)
	}

	if _, err := h.orch.ReAdmit(ctx, "doc-1"); err != nil {
		t.Errorf("re-admission after rejected cancel failed: %v", err)
	}
	h.mustState(t, "doc-1", domain.StatePending)
}

// =============================================================================
// Stuck Reaper Tests
// =============================================================================

func TestReapStuck_RoutesThroughRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A worker crashed mid-processing: the job sits in PROCESSING with a
	// stale progress timestamp and the worker never reports.
	now := time.Now()
	job := &domain.ProcessingJob{
		ID:             "j-stuck",
		FileID:         "doc-1",
		Location:       "/inbox/doc-1.pdf",
		State:          domain.StateProcessing,
		Stage:          "extract",
		MaxRetries:     3,
		LastProgressAt: now.Add(-10 * time.Minute),
		CreatedAt:      now.Add(-11 * time.Minute),
		UpdatedAt:      now.Add(-10 * time.Minute),
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := h.orch.reapStuck(ctx); err != nil {
		t.Fatalf("reapStuck failed: %v", err)
	}

	got := h.mustState(t, "doc-1", domain.StateRetryScheduled)
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}

	// The synthetic timeout fault classifies as an API-style timeout.
	recs, err := h.errorLog.LastN(ctx, job.ID, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected 1 error record, got %d (err %v)", len(recs), err)
	}
	if recs[0].Category != domain.CategoryAPI {
		t.Errorf("expected APIError for stuck timeout, got %s", recs[0].Category)
	}

	// A second pass must not double-reap: the job left PROCESSING.
	if err := h.orch.reapStuck(ctx); err != nil {
		t.Fatalf("second reapStuck failed: %v", err)
	}
	h.mustState(t, "doc-1", domain.StateRetryScheduled)
}

// =============================================================================
// Re-admission Tests
// =============================================================================

func TestReAdmit_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	location := filepath.Join(t.TempDir(), "doc-1.pdf")

	if _, err := h.orch.Enqueue(ctx, "doc-1", location); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.orch.Fail(ctx, "doc-1", errors.New("corrupt archive")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	h.mustState(t, "doc-1", domain.StateQuarantined)

	job, err := h.orch.ReAdmit(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ReAdmit failed: %v", err)
	}
	if job.State != domain.StatePending {
		t.Errorf("expected PENDING after re-admission, got %s", job.State)
	}
	if job.RetryCount != 0 {
		t.Errorf("expected retry budget reset, got %d", job.RetryCount)
	}
	if n, _ := h.quarantine.CountOpen(ctx); n != 0 {
		t.Errorf("quarantine record still open after re-admission")
	}
	if _, err := h.orch.ReAdmit(ctx, "doc-1"); !errors.Is(err, storage.ErrNotQuarantined) {
		t.Errorf("double re-admission must fail, got %v", err)
	}

	// The admission sweep picks the re-admitted file up.
	if err := h.orch.admitPending(ctx); err != nil {
		t.Fatalf("admitPending failed: %v", err)
	}
	h.mustState(t, "doc-1", domain.StateQueued)
}

func TestReAdmit_SweepRunsPreflight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	location := filepath.Join(t.TempDir(), "doc-1.pdf")

	if _, err := h.orch.Enqueue(ctx, "doc-1", location); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.orch.Fail(ctx, "doc-1", errors.New("corrupt archive")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	// The filter is installed after quarantine: a re-admitted file must
	// face it again on its way back into the pool.
	h.orch.SetPreflight(func(fileID, loc string) error {
		return errors.New("still unsupported")
	})

	if _, err := h.orch.ReAdmit(ctx, "doc-1"); err != nil {
		t.Fatalf("ReAdmit failed: %v", err)
	}
	if err := h.orch.admitPending(ctx); err != nil {
		t.Fatalf("admitPending failed: %v", err)
	}
	h.mustState(t, "doc-1", domain.StateSkipped)
}

// =============================================================================
// Progress Tests
// =============================================================================

func TestProgress_ClampsAndRefreshes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Enqueue(ctx, "doc-1", "/inbox/doc-1.pdf"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.orch.Begin(ctx, "doc-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := h.orch.Progress(ctx, "doc-1", "extract", 150); err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	job, _ := h.jobs.GetByFileID(ctx, "doc-1")
	if job.ProgressPercent != 100 {
		t.Errorf("expected clamp to 100, got %d", job.ProgressPercent)
	}
	if job.Stage != "extract" {
		t.Errorf("expected stage extract, got %s", job.Stage)
	}
}
