package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
)

// ErrorLogRepo implements storage.ErrorLogRepository using PostgreSQL.
type ErrorLogRepo struct {
	db *DB
}

// NewErrorLogRepo creates a new PostgreSQL error log repository.
func NewErrorLogRepo(db *DB) *ErrorLogRepo {
	return &ErrorLogRepo{db: db}
}

type errorRow struct {
	ID        string    `db:"id"`
	JobID     string    `db:"job_id"`
	FileID    string    `db:"file_id"`
	Category  string    `db:"category"`
	ErrorType string    `db:"error_type"`
	Message   string    `db:"message"`
	Details   []byte    `db:"details"`
	Severity  string    `db:"severity"`
	Stage     string    `db:"stage"`
	Resolved  bool      `db:"resolved"`
	CreatedAt time.Time `db:"created_at"`
}

func (r errorRow) toDomain() domain.ErrorRecord {
	rec := domain.ErrorRecord{
		ID:        r.ID,
		JobID:     r.JobID,
		FileID:    r.FileID,
		Category:  domain.ErrorCategory(r.Category),
		Type:      r.ErrorType,
		Message:   r.Message,
		Severity:  domain.ErrorSeverity(r.Severity),
		Stage:     r.Stage,
		Resolved:  r.Resolved,
		CreatedAt: r.CreatedAt,
	}
	if len(r.Details) > 0 {
		_ = json.Unmarshal(r.Details, &rec.Details)
	}
	return rec
}

// Append records a classified error.
func (r *ErrorLogRepo) Append(ctx context.Context, rec *domain.ErrorRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}

	query := `
		INSERT INTO error_log (id, job_id, file_id, category, error_type,
			message, details, severity, stage, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.JobID,
		rec.FileID,
		string(rec.Category),
		rec.Type,
		rec.Message,
		details,
		string(rec.Severity),
		rec.Stage,
	)
	if err != nil {
		return fmt.Errorf("failed to append error record: %w", err)
	}
	return nil
}

// LastN retrieves the most recent records for a job, newest first.
func (r *ErrorLogRepo) LastN(ctx context.Context, jobID string, n int) ([]domain.ErrorRecord, error) {
	var rows []errorRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, file_id, category, error_type, message, details,
			severity, stage, resolved, created_at
		FROM error_log
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get error records: %w", err)
	}

	recs := make([]domain.ErrorRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.toDomain())
	}
	return recs, nil
}

// CountByCategory counts unresolved errors per category since the cutoff.
func (r *ErrorLogRepo) CountByCategory(
	ctx context.Context,
	since time.Time,
) (map[domain.ErrorCategory]int, error) {
	var rows []struct {
		Category string `db:"category"`
		Count    int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT category, COUNT(*) AS count
		FROM error_log
		WHERE resolved = FALSE AND created_at >= $1
		GROUP BY category
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count errors by category: %w", err)
	}

	counts := make(map[domain.ErrorCategory]int, len(rows))
	for _, row := range rows {
		counts[domain.ErrorCategory(row.Category)] = row.Count
	}
	return counts, nil
}

// CountBySeverity counts unresolved errors per severity since the cutoff.
func (r *ErrorLogRepo) CountBySeverity(
	ctx context.Context,
	since time.Time,
) (map[domain.ErrorSeverity]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT severity, COUNT(*) AS count
		FROM error_log
		WHERE resolved = FALSE AND created_at >= $1
		GROUP BY severity
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count errors by severity: %w", err)
	}

	counts := make(map[domain.ErrorSeverity]int, len(rows))
	for _, row := range rows {
		counts[domain.ErrorSeverity(row.Severity)] = row.Count
	}
	return counts, nil
}

// Resolve flags a record as resolved.
func (r *ErrorLogRepo) Resolve(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE error_log SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve error record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}
