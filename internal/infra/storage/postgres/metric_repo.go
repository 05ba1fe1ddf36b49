package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
)

// MetricRepo implements storage.MetricRepository using PostgreSQL.
type MetricRepo struct {
	db *DB
}

// NewMetricRepo creates a new PostgreSQL metric repository.
func NewMetricRepo(db *DB) *MetricRepo {
	return &MetricRepo{db: db}
}

// Save writes a batch of samples.
func (r *MetricRepo) Save(ctx context.Context, samples []domain.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO metrics (name, value, unit, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, s := range samples {
		var metadata []byte
		if len(s.Metadata) > 0 {
			metadata, err = json.Marshal(s.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metric metadata: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, query, s.Name, s.Value, s.Unit, metadata, s.Timestamp); err != nil {
			return fmt.Errorf("failed to save metric sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric samples: %w", err)
	}
	return nil
}

// Range retrieves samples for a metric name within a time window.
func (r *MetricRepo) Range(
	ctx context.Context,
	name string,
	from, to time.Time,
) ([]domain.MetricSample, error) {
	var rows []struct {
		Name      string    `db:"name"`
		Value     float64   `db:"value"`
		Unit      string    `db:"unit"`
		Metadata  []byte    `db:"metadata"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT name, value, unit, metadata, created_at
		FROM metrics
		WHERE name = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC
	`, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	samples := make([]domain.MetricSample, 0, len(rows))
	for _, row := range rows {
		s := domain.MetricSample{
			Name:      row.Name,
			Value:     row.Value,
			Unit:      row.Unit,
			Timestamp: row.CreatedAt,
		}
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &s.Metadata)
		}
		samples = append(samples, s)
	}
	return samples, nil
}
