package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/processing/classify"
	"github.com/morenocuratelo/archivista/internal/processing/retry"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Processing.QuarantineDir == "" {
		cfg.Processing.QuarantineDir = "data/quarantine"
	}
	if cfg.Processing.InboxDir == "" {
		cfg.Processing.InboxDir = "data/inbox"
	}
	if cfg.Processing.StuckThreshold == 0 {
		cfg.Processing.StuckThreshold = 5 * time.Minute
	}
	if cfg.Processing.RetryTick == 0 {
		cfg.Processing.RetryTick = 5 * time.Second
	}
	if cfg.Processing.ReaperTick == 0 {
		cfg.Processing.ReaperTick = 30 * time.Second
	}
	if cfg.Processing.LockTTL == 0 {
		cfg.Processing.LockTTL = 10 * time.Minute
	}
	if cfg.Processing.ErrorContextSize == 0 {
		cfg.Processing.ErrorContextSize = 5
	}
	// Negative jitter passes through untouched: it is the "no jitter"
	// sentinel, since yaml can't tell an explicit zero from an absent key.
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.25
	}
	if cfg.Monitoring.CollectionInterval == 0 {
		cfg.Monitoring.CollectionInterval = time.Minute
	}
	if cfg.Monitoring.ErrorWindow == 0 {
		cfg.Monitoring.ErrorWindow = time.Hour
	}
	if cfg.Monitoring.DedupWindow == 0 {
		cfg.Monitoring.DedupWindow = 5 * time.Minute
	}
}

// ClassifyPolicies converts the configured category policies into the
// classifier's policy table. Unconfigured categories keep the built-in
// defaults.
func (cfg *AppConfig) ClassifyPolicies() map[domain.ErrorCategory]classify.Policy {
	defaults := classify.DefaultPolicies()
	out := make(map[domain.ErrorCategory]classify.Policy, len(cfg.Retry.Categories))
	for name, p := range cfg.Retry.Categories {
		cat := domain.ErrorCategory(name)
		policy := classify.Policy{
			Retryable:  p.Retryable,
			MaxRetries: p.MaxRetries,
			Severity:   domain.ErrorSeverity(p.Severity),
		}
		if policy.Severity == "" {
			policy.Severity = defaults[cat].Severity
		}
		if policy.Severity == "" {
			policy.Severity = domain.SeverityMedium
		}
		out[cat] = policy
	}
	return out
}

// RetryPolicies converts the configured category policies into the
// scheduler's backoff table. Categories without backoff bounds keep the
// built-in defaults.
func (cfg *AppConfig) RetryPolicies() map[domain.ErrorCategory]retry.Policy {
	out := make(map[domain.ErrorCategory]retry.Policy)
	for name, p := range cfg.Retry.Categories {
		if p.Base <= 0 && p.Cap <= 0 {
			continue
		}
		policy := retry.Policy{Base: p.Base, Cap: p.Cap}
		if policy.Base <= 0 {
			policy.Base = 5 * time.Second
		}
		if policy.Cap <= 0 {
			policy.Cap = 10 * time.Minute
		}
		out[domain.ErrorCategory(name)] = policy
	}
	return out
}
