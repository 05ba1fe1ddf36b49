package domain

import "time"

// MetricSample is one observed value of a named pipeline metric.
type MetricSample struct {
	Name      string            `db:"name" json:"name"`
	Value     float64           `db:"value" json:"value"`
	Unit      string            `db:"unit" json:"unit,omitempty"`
	Metadata  map[string]string `db:"-" json:"metadata,omitempty"`
	Timestamp time.Time         `db:"created_at" json:"timestamp"`
}
