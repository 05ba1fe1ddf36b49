package config

import (
	"time"

	redisclient "github.com/morenocuratelo/archivista/internal/infra/redis"
	"github.com/morenocuratelo/archivista/internal/infra/storage/postgres"
	"github.com/morenocuratelo/archivista/internal/processing/monitor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Processing ProcessingConfig   `yaml:"processing"`
	Retry      RetryConfig        `yaml:"retry"`
	Monitoring MonitoringConfig   `yaml:"monitoring"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ProcessingConfig holds pipeline lifecycle settings.
type ProcessingConfig struct {
	QuarantineDir    string        `yaml:"quarantine_dir"`
	InboxDir         string        `yaml:"inbox_dir"`
	StuckThreshold   time.Duration `yaml:"stuck_threshold"`
	RetryTick        time.Duration `yaml:"retry_tick"`
	ReaperTick       time.Duration `yaml:"reaper_tick"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	ErrorContextSize int           `yaml:"error_context_size"`
}

// RetryConfig holds the category retry policies.
type RetryConfig struct {
	// Jitter is the fraction of each delay randomized in both directions.
	// Zero means "use the default" (0.25); set a negative value to turn
	// jitter off entirely.
	Jitter float64 `yaml:"jitter"`

	// Categories maps error category names to their policy. Missing
	// categories use built-in defaults.
	Categories map[string]CategoryPolicy `yaml:"categories"`
}

// CategoryPolicy holds the retry policy for one error category.
type CategoryPolicy struct {
	Retryable  bool          `yaml:"retryable"`
	MaxRetries int           `yaml:"max_retries"`
	Base       time.Duration `yaml:"base"`
	Cap        time.Duration `yaml:"cap"`
	Severity   string        `yaml:"severity"`
}

// MonitoringConfig holds snapshot and alerting settings.
type MonitoringConfig struct {
	CollectionInterval time.Duration      `yaml:"collection_interval"`
	ErrorWindow        time.Duration      `yaml:"error_window"`
	DedupWindow        time.Duration      `yaml:"dedup_window"`
	Thresholds         monitor.Thresholds `yaml:"thresholds"`
}
