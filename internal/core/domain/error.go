package domain

import "time"

// ErrorCategory groups processing faults by cause and retry behavior.
type ErrorCategory string

const (
	CategoryIO         ErrorCategory = "IOError"
	CategoryResource   ErrorCategory = "ResourceError"
	CategoryAPI        ErrorCategory = "APIError"
	CategoryValidation ErrorCategory = "ValidationError"
	CategoryUnknown    ErrorCategory = "UnknownError"
)

// ErrorSeverity ranks the operational impact of a fault.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorRecord is one classified fault in the append-only error log.
type ErrorRecord struct {
	ID        string         `db:"id" json:"id"`
	JobID     string         `db:"job_id" json:"job_id"`
	FileID    string         `db:"file_id" json:"file_id"`
	Category  ErrorCategory  `db:"category" json:"category"`
	Type      string         `db:"error_type" json:"type,omitempty"`
	Message   string         `db:"message" json:"message"`
	Details   map[string]any `db:"-" json:"details,omitempty"`
	Severity  ErrorSeverity  `db:"severity" json:"severity"`
	Stage     string         `db:"stage" json:"stage,omitempty"`
	Resolved  bool           `db:"resolved" json:"resolved"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
