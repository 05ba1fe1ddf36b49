package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
)

// QuarantineRepo implements storage.QuarantineRepository using PostgreSQL.
type QuarantineRepo struct {
	db *DB
}

// NewQuarantineRepo creates a new PostgreSQL quarantine repository.
func NewQuarantineRepo(db *DB) *QuarantineRepo {
	return &QuarantineRepo{db: db}
}

type quarantineRow struct {
	ID                 string       `db:"id"`
	FileID             string       `db:"file_id"`
	OriginalLocation   string       `db:"original_location"`
	QuarantineLocation string       `db:"quarantine_location"`
	Reason             string       `db:"reason"`
	ErrorContext       []byte       `db:"error_context"`
	QuarantinedAt      time.Time    `db:"quarantined_at"`
	ResolvedAt         sql.NullTime `db:"resolved_at"`
}

func (r quarantineRow) toDomain() *domain.QuarantineRecord {
	rec := &domain.QuarantineRecord{
		ID:                 r.ID,
		FileID:             r.FileID,
		OriginalLocation:   r.OriginalLocation,
		QuarantineLocation: r.QuarantineLocation,
		Reason:             r.Reason,
		QuarantinedAt:      r.QuarantinedAt,
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		rec.ResolvedAt = &t
	}
	if len(r.ErrorContext) > 0 {
		_ = json.Unmarshal(r.ErrorContext, &rec.ErrorContext)
	}
	return rec
}

// Add writes a new quarantine record.
func (r *QuarantineRepo) Add(ctx context.Context, rec *domain.QuarantineRecord) error {
	errCtx, err := json.Marshal(rec.ErrorContext)
	if err != nil {
		return fmt.Errorf("failed to marshal error context: %w", err)
	}

	query := `
		INSERT INTO quarantine (id, file_id, original_location,
			quarantine_location, reason, error_context, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.FileID,
		rec.OriginalLocation,
		rec.QuarantineLocation,
		rec.Reason,
		errCtx,
	)
	if err != nil {
		return fmt.Errorf("failed to add quarantine record: %w", err)
	}
	return nil
}

// GetOpen retrieves the open record for a file.
func (r *QuarantineRepo) GetOpen(ctx context.Context, fileID string) (*domain.QuarantineRecord, error) {
	var row quarantineRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, file_id, original_location, quarantine_location, reason,
			error_context, quarantined_at, resolved_at
		FROM quarantine
		WHERE file_id = $1 AND resolved_at IS NULL
		ORDER BY quarantined_at DESC
		LIMIT 1
	`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotQuarantined
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quarantine record: %w", err)
	}
	return row.toDomain(), nil
}

// Resolve stamps resolved_at on the open record for a file.
func (r *QuarantineRepo) Resolve(ctx context.Context, fileID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE quarantine
		SET resolved_at = $1
		WHERE file_id = $2 AND resolved_at IS NULL
	`, at, fileID)
	if err != nil {
		return fmt.Errorf("failed to resolve quarantine record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotQuarantined
	}
	return nil
}

// ListOpen retrieves all open records, newest first.
func (r *QuarantineRepo) ListOpen(ctx context.Context) ([]*domain.QuarantineRecord, error) {
	var rows []quarantineRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, file_id, original_location, quarantine_location, reason,
			error_context, quarantined_at, resolved_at
		FROM quarantine
		WHERE resolved_at IS NULL
		ORDER BY quarantined_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine records: %w", err)
	}

	recs := make([]*domain.QuarantineRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.toDomain())
	}
	return recs, nil
}

// CountOpen returns the number of open records.
func (r *QuarantineRepo) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM quarantine WHERE resolved_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to count quarantine records: %w", err)
	}
	return count, nil
}
