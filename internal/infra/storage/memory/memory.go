package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
)

// MemoryStorage backs all repositories with in-process maps. Used in tests
// and when no database is configured.
type MemoryStorage struct {
	jobs        map[string]*domain.ProcessingJob // keyed by job ID
	byFile      map[string]string                // file ID -> job ID
	transitions map[string][]domain.Transition
	errors      []*domain.ErrorRecord
	quarantine  []*domain.QuarantineRecord
	samples     []domain.MetricSample
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:        make(map[string]*domain.ProcessingJob),
		byFile:      make(map[string]string),
		transitions: make(map[string][]domain.Transition),
	}
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.ProcessingJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	// Mirrors the UNIQUE(file_id) constraint of the Postgres schema.
	if _, exists := r.store.byFile[job.FileID]; exists {
		return storage.ErrDuplicateFile
	}

	c := *job
	r.store.jobs[job.ID] = &c
	r.store.byFile[job.FileID] = job.ID
	return nil
}

func (r *JobRepo) GetByFileID(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.byFile[fileID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	c := *r.store.jobs[id]
	return &c, nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	c := *job
	return &c, nil
}

func (r *JobRepo) Transition(
	ctx context.Context,
	jobID string,
	from, to domain.JobState,
	seq int64,
	upd storage.TransitionUpdate,
) (*domain.ProcessingJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	if !domain.CanTransition(from, to) {
		return nil, storage.ErrInvalidTransition
	}
	// Compare-and-swap: both the expected state and the sequence number
	// must match the stored values.
	if job.State != from || job.Seq != seq {
		return nil, storage.ErrInvalidTransition
	}

	now := time.Now()
	job.State = to
	job.Seq++
	job.UpdatedAt = now
	if upd.Stage != "" {
		job.Stage = upd.Stage
	}
	if upd.LastError != "" {
		job.LastError = upd.LastError
	}
	if upd.RetryCount != nil {
		job.RetryCount = *upd.RetryCount
	}
	if upd.MaxRetries != nil {
		job.MaxRetries = *upd.MaxRetries
	}
	if upd.Progress != nil {
		job.ProgressPercent = *upd.Progress
		job.LastProgressAt = now
	}
	job.NextAttemptAt = upd.NextAttemptAt
	if to == domain.StateProcessing {
		job.LastProgressAt = now
	}

	r.store.transitions[jobID] = append(r.store.transitions[jobID], domain.Transition{
		JobID:     jobID,
		Seq:       job.Seq,
		From:      from,
		To:        to,
		Reason:    upd.Reason,
		Timestamp: now,
	})

	c := *job
	return &c, nil
}

func (r *JobRepo) UpdateProgress(ctx context.Context, jobID string, stage string, percent int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[jobID]
	if !ok {
		return storage.ErrJobNotFound
	}
	if job.State != domain.StateProcessing {
		return storage.ErrInvalidTransition
	}
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	if stage != "" {
		job.Stage = stage
	}
	job.LastProgressAt = time.Now()
	job.UpdatedAt = job.LastProgressAt
	return nil
}

func (r *JobRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.JobState]int)
	for _, job := range r.store.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (r *JobRepo) ListByState(
	ctx context.Context,
	state domain.JobState,
	limit int,
) ([]*domain.ProcessingJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var jobs []*domain.ProcessingJob
	for _, job := range r.store.jobs {
		if job.State == state {
			c := *job
			jobs = append(jobs, &c)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *JobRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.ProcessingJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var jobs []*domain.ProcessingJob
	for _, job := range r.store.jobs {
		if job.State == domain.StateProcessing && job.LastProgressAt.Before(cutoff) {
			c := *job
			jobs = append(jobs, &c)
		}
	}
	return jobs, nil
}

func (r *JobRepo) History(ctx context.Context, jobID string) ([]domain.Transition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	history := make([]domain.Transition, len(r.store.transitions[jobID]))
	copy(history, r.store.transitions[jobID])
	return history, nil
}

func (r *JobRepo) CountCompleted(ctx context.Context, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, job := range r.store.jobs {
		if job.State == domain.StateCompleted && job.UpdatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *JobRepo) AvgProcessingDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var total time.Duration
	var n int
	for _, job := range r.store.jobs {
		if job.State == domain.StateCompleted && job.UpdatedAt.After(since) {
			total += job.UpdatedAt.Sub(job.CreatedAt)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

// -----------------------------------------------------------------------------
// Error Log Repository
// -----------------------------------------------------------------------------

type ErrorLogRepo struct {
	store *MemoryStorage
}

func NewErrorLogRepo(store *MemoryStorage) *ErrorLogRepo {
	return &ErrorLogRepo{store: store}
}

func (r *ErrorLogRepo) Append(ctx context.Context, rec *domain.ErrorRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c := *rec
	r.store.errors = append(r.store.errors, &c)
	return nil
}

func (r *ErrorLogRepo) LastN(ctx context.Context, jobID string, n int) ([]domain.ErrorRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var recs []domain.ErrorRecord
	for i := len(r.store.errors) - 1; i >= 0 && len(recs) < n; i-- {
		if r.store.errors[i].JobID == jobID {
			recs = append(recs, *r.store.errors[i])
		}
	}
	return recs, nil
}

func (r *ErrorLogRepo) CountByCategory(
	ctx context.Context,
	since time.Time,
) (map[domain.ErrorCategory]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.ErrorCategory]int)
	for _, rec := range r.store.errors {
		if !rec.Resolved && rec.CreatedAt.After(since) {
			counts[rec.Category]++
		}
	}
	return counts, nil
}

func (r *ErrorLogRepo) CountBySeverity(
	ctx context.Context,
	since time.Time,
) (map[domain.ErrorSeverity]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.ErrorSeverity]int)
	for _, rec := range r.store.errors {
		if !rec.Resolved && rec.CreatedAt.After(since) {
			counts[rec.Severity]++
		}
	}
	return counts, nil
}

func (r *ErrorLogRepo) Resolve(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, rec := range r.store.errors {
		if rec.ID == id {
			rec.Resolved = true
			return nil
		}
	}
	return storage.ErrJobNotFound
}

// -----------------------------------------------------------------------------
// Quarantine Repository
// -----------------------------------------------------------------------------

type QuarantineRepo struct {
	store *MemoryStorage
}

func NewQuarantineRepo(store *MemoryStorage) *QuarantineRepo {
	return &QuarantineRepo{store: store}
}

func (r *QuarantineRepo) Add(ctx context.Context, rec *domain.QuarantineRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c := *rec
	r.store.quarantine = append(r.store.quarantine, &c)
	return nil
}

func (r *QuarantineRepo) GetOpen(ctx context.Context, fileID string) (*domain.QuarantineRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for i := len(r.store.quarantine) - 1; i >= 0; i-- {
		rec := r.store.quarantine[i]
		if rec.FileID == fileID && rec.Open() {
			c := *rec
			return &c, nil
		}
	}
	return nil, storage.ErrNotQuarantined
}

func (r *QuarantineRepo) Resolve(ctx context.Context, fileID string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for i := len(r.store.quarantine) - 1; i >= 0; i-- {
		rec := r.store.quarantine[i]
		if rec.FileID == fileID && rec.Open() {
			t := at
			rec.ResolvedAt = &t
			return nil
		}
	}
	return storage.ErrNotQuarantined
}

func (r *QuarantineRepo) ListOpen(ctx context.Context) ([]*domain.QuarantineRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var recs []*domain.QuarantineRecord
	for _, rec := range r.store.quarantine {
		if rec.Open() {
			c := *rec
			recs = append(recs, &c)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].QuarantinedAt.After(recs[j].QuarantinedAt)
	})
	return recs, nil
}

func (r *QuarantineRepo) CountOpen(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, rec := range r.store.quarantine {
		if rec.Open() {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Metric Repository
// -----------------------------------------------------------------------------

type MetricRepo struct {
	store *MemoryStorage
}

func NewMetricRepo(store *MemoryStorage) *MetricRepo {
	return &MetricRepo{store: store}
}

func (r *MetricRepo) Save(ctx context.Context, samples []domain.MetricSample) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.samples = append(r.store.samples, samples...)
	return nil
}

func (r *MetricRepo) Range(
	ctx context.Context,
	name string,
	from, to time.Time,
) ([]domain.MetricSample, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.MetricSample
	for _, s := range r.store.samples {
		if s.Name == name && !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}
