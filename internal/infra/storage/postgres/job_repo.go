package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID              string       `db:"id"`
	FileID          string       `db:"file_id"`
	Location        string       `db:"location"`
	State           string       `db:"state"`
	Stage           string       `db:"stage"`
	ProgressPercent int          `db:"progress_percent"`
	RetryCount      int          `db:"retry_count"`
	MaxRetries      int          `db:"max_retries"`
	Seq             int64        `db:"seq"`
	LastError       string       `db:"last_error"`
	NextAttemptAt   sql.NullTime `db:"next_attempt_at"`
	LastProgressAt  time.Time    `db:"last_progress_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r jobRow) toDomain() *domain.ProcessingJob {
	job := &domain.ProcessingJob{
		ID:              r.ID,
		FileID:          r.FileID,
		Location:        r.Location,
		State:           domain.JobState(r.State),
		Stage:           r.Stage,
		ProgressPercent: r.ProgressPercent,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		Seq:             r.Seq,
		LastError:       r.LastError,
		LastProgressAt:  r.LastProgressAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time
		job.NextAttemptAt = &t
	}
	return job
}

const jobColumns = `
	id, file_id, location, state, stage, progress_percent, retry_count,
	max_retries, seq, last_error, next_attempt_at, last_progress_at,
	created_at, updated_at
`

// Create registers a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.ProcessingJob) error {
	query := `
		INSERT INTO jobs (id, file_id, location, state, stage, progress_percent,
			retry_count, max_retries, seq, last_error, last_progress_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), NOW())
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.FileID,
		job.Location,
		string(job.State),
		job.Stage,
		job.ProgressPercent,
		job.RetryCount,
		job.MaxRetries,
		job.Seq,
		job.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByFileID retrieves a job by its file identifier.
func (r *JobRepo) GetByFileID(ctx context.Context, fileID string) (*domain.ProcessingJob, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE file_id = $1`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// Transition atomically moves a job between states, conditioned on the
// expected current state and sequence number. The audit-log append happens
// in the same transaction as the CAS update.
func (r *JobRepo) Transition(
	ctx context.Context,
	jobID string,
	from, to domain.JobState,
	seq int64,
	upd storage.TransitionUpdate,
) (*domain.ProcessingJob, error) {
	if !domain.CanTransition(from, to) {
		return nil, storage.ErrInvalidTransition
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE jobs
		SET state = $1,
			seq = seq + 1,
			stage = COALESCE(NULLIF($2, ''), stage),
			last_error = COALESCE(NULLIF($3, ''), last_error),
			retry_count = COALESCE($4, retry_count),
			max_retries = COALESCE($5, max_retries),
			progress_percent = COALESCE($6, progress_percent),
			next_attempt_at = $7,
			last_progress_at = CASE WHEN $1 = 'PROCESSING' OR $6 IS NOT NULL
				THEN NOW() ELSE last_progress_at END,
			updated_at = NOW()
		WHERE id = $8 AND state = $9 AND seq = $10
		RETURNING ` + jobColumns

	var row jobRow
	err = tx.GetContext(ctx, &row, query,
		string(to),
		upd.Stage,
		upd.LastError,
		upd.RetryCount,
		upd.MaxRetries,
		upd.Progress,
		upd.NextAttemptAt,
		jobID,
		string(from),
		seq,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the CAS race, or the stored state no longer matches.
		return nil, storage.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, seq, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, jobID, row.Seq, string(from), string(to), upd.Reason)
	if err != nil {
		return nil, fmt.Errorf("failed to log transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateProgress records stage and progress for a PROCESSING job.
func (r *JobRepo) UpdateProgress(ctx context.Context, jobID string, stage string, percent int) error {
	query := `
		UPDATE jobs
		SET progress_percent = GREATEST(progress_percent, $1),
			stage = COALESCE(NULLIF($2, ''), stage),
			last_progress_at = NOW(),
			updated_at = NOW()
		WHERE id = $3 AND state = 'PROCESSING'
	`
	res, err := r.db.ExecContext(ctx, query, percent, stage, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrInvalidTransition
	}
	return nil
}

// CountByState returns the number of jobs per state.
func (r *JobRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT state, COUNT(*) AS count FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[domain.JobState]int, len(rows))
	for _, row := range rows {
		counts[domain.JobState(row.State)] = row.Count
	}
	return counts, nil
}

// ListByState retrieves jobs in a given state, oldest first.
func (r *JobRepo) ListByState(
	ctx context.Context,
	state domain.JobState,
	limit int,
) ([]*domain.ProcessingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY updated_at ASC LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.ProcessingJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// ListStuck retrieves PROCESSING jobs whose last progress update is older
// than the cutoff.
func (r *JobRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.ProcessingJob, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE state = 'PROCESSING' AND last_progress_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}

	jobs := make([]*domain.ProcessingJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// History returns the transition audit log for a job in sequence order.
func (r *JobRepo) History(ctx context.Context, jobID string) ([]domain.Transition, error) {
	var rows []struct {
		JobID     string    `db:"job_id"`
		Seq       int64     `db:"seq"`
		FromState string    `db:"from_state"`
		ToState   string    `db:"to_state"`
		Reason    string    `db:"reason"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT job_id, seq, from_state, to_state, reason, created_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}

	history := make([]domain.Transition, 0, len(rows))
	for _, row := range rows {
		history = append(history, domain.Transition{
			JobID:     row.JobID,
			Seq:       row.Seq,
			From:      domain.JobState(row.FromState),
			To:        domain.JobState(row.ToState),
			Reason:    row.Reason,
			Timestamp: row.CreatedAt,
		})
	}
	return history, nil
}

// CountCompleted returns the number of jobs completed since the cutoff.
func (r *JobRepo) CountCompleted(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM jobs
		WHERE state = 'COMPLETED' AND updated_at >= $1
	`, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return count, nil
}

// AvgProcessingDuration returns the mean enqueue-to-complete duration for
// jobs completed since the cutoff.
func (r *JobRepo) AvgProcessingDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := r.db.GetContext(ctx, &seconds, `
		SELECT AVG(EXTRACT(EPOCH FROM (updated_at - created_at)))
		FROM jobs
		WHERE state = 'COMPLETED' AND updated_at >= $1
	`, since)
	if err != nil {
		return 0, fmt.Errorf("failed to compute avg duration: %w", err)
	}
	if !seconds.Valid {
		return 0, nil
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}
