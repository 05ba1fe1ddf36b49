// Package monitor observes the processing pipeline: periodic metric
// snapshots, threshold alerting with deduplication, and the HTTP surface
// for health and status.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/processing/metrics"
)

// CollectorConfig holds snapshot collection settings.
type CollectorConfig struct {
	// CollectionInterval is the snapshot period.
	CollectionInterval time.Duration `yaml:"collection_interval"`

	// ErrorWindow is the rolling window for error counts and rates.
	ErrorWindow time.Duration `yaml:"error_window"`

	// StuckThreshold mirrors the orchestrator setting so snapshots can
	// report the stuck job count.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
}

func (c *CollectorConfig) applyDefaults() {
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = time.Minute
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = time.Hour
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Minute
	}
}

// Snapshot is one observation of pipeline health.
type Snapshot struct {
	TakenAt          time.Time                    `json:"taken_at"`
	States           map[domain.JobState]int      `json:"states"`
	ErrorsByCategory map[domain.ErrorCategory]int `json:"errors_by_category"`
	ErrorsBySeverity map[domain.ErrorSeverity]int `json:"errors_by_severity"`

	// ErrorRate is the percentage of attempts in the window that failed.
	ErrorRate float64 `json:"error_rate"`

	CriticalErrors  int     `json:"critical_errors"`
	AvgDurationSecs float64 `json:"avg_duration_seconds"`
	QuarantineCount int     `json:"quarantine_count"`
	StuckCount      int     `json:"stuck_count"`
}

// Collector periodically snapshots pipeline state, persists the samples
// and mirrors them to the Prometheus gauges.
type Collector struct {
	cfg        CollectorConfig
	jobs       storage.JobRepository
	errorLog   storage.ErrorLogRepository
	quarantine storage.QuarantineRepository
	samples    storage.MetricRepository
	dispatcher *AlertDispatcher
	log        *slog.Logger

	mu     sync.RWMutex
	latest *Snapshot
}

// NewCollector creates a collector. The dispatcher may be nil when
// alerting is disabled.
func NewCollector(
	cfg CollectorConfig,
	jobs storage.JobRepository,
	errorLog storage.ErrorLogRepository,
	quarantineRepo storage.QuarantineRepository,
	samples storage.MetricRepository,
	dispatcher *AlertDispatcher,
	log *slog.Logger,
) *Collector {
	cfg.applyDefaults()
	return &Collector{
		cfg:        cfg,
		jobs:       jobs,
		errorLog:   errorLog,
		quarantine: quarantineRepo,
		samples:    samples,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Run collects snapshots on the configured interval until ctx is
// cancelled. Each snapshot is handed to the alert dispatcher.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("Metrics collector started", "interval", c.cfg.CollectionInterval)

	ticker := time.NewTicker(c.cfg.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Metrics collector stopped")
			return ctx.Err()
		case <-ticker.C:
			snap, err := c.Collect(ctx)
			if err != nil {
				c.log.Error("Snapshot collection failed", "error", err)
				continue
			}
			if c.dispatcher != nil {
				c.dispatcher.Evaluate(ctx, snap)
			}
		}
	}
}

// Collect builds and persists one snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := time.Now()
	windowStart := now.Add(-c.cfg.ErrorWindow)

	states, err := c.jobs.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	byCategory, err := c.errorLog.CountByCategory(ctx, windowStart)
	if err != nil {
		return nil, err
	}
	bySeverity, err := c.errorLog.CountBySeverity(ctx, windowStart)
	if err != nil {
		return nil, err
	}
	quarantined, err := c.quarantine.CountOpen(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := c.jobs.CountCompleted(ctx, windowStart)
	if err != nil {
		return nil, err
	}
	avgDuration, err := c.jobs.AvgProcessingDuration(ctx, windowStart)
	if err != nil {
		return nil, err
	}
	stuck, err := c.jobs.ListStuck(ctx, now.Add(-c.cfg.StuckThreshold))
	if err != nil {
		return nil, err
	}

	totalErrors := 0
	for _, n := range byCategory {
		totalErrors += n
	}
	// Both sides of the rate use the same rolling window; all-time counts
	// would dilute the rate as the system ages.
	attempts := totalErrors + completed
	errorRate := 0.0
	if attempts > 0 {
		errorRate = float64(totalErrors) / float64(attempts) * 100
	}

	snap := &Snapshot{
		TakenAt:          now,
		States:           states,
		ErrorsByCategory: byCategory,
		ErrorsBySeverity: bySeverity,
		ErrorRate:        errorRate,
		CriticalErrors:   bySeverity[domain.SeverityCritical],
		AvgDurationSecs:  avgDuration.Seconds(),
		QuarantineCount:  quarantined,
		StuckCount:       len(stuck),
	}

	c.mirrorGauges(snap)
	c.persist(ctx, snap)

	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()
	return snap, nil
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (c *Collector) Latest() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Samples queries the persisted samples for one metric.
func (c *Collector) Samples(ctx context.Context, name string, from, to time.Time) ([]domain.MetricSample, error) {
	return c.samples.Range(ctx, name, from, to)
}

func (c *Collector) mirrorGauges(snap *Snapshot) {
	for _, state := range []domain.JobState{
		domain.StatePending, domain.StateQueued, domain.StateProcessing,
		domain.StateCompleted, domain.StateFailedTransient,
		domain.StateFailedPermanent, domain.StateRetryScheduled,
		domain.StateQuarantined, domain.StateCancelled, domain.StateSkipped,
	} {
		metrics.JobsByState.WithLabelValues(string(state)).Set(float64(snap.States[state]))
	}
}

// persist writes the snapshot fields as metric samples. Best effort with a
// bounded retry; a failed write costs one snapshot, not the collector.
func (c *Collector) persist(ctx context.Context, snap *Snapshot) {
	samples := []domain.MetricSample{
		{Name: "error_rate", Value: snap.ErrorRate, Unit: "percent", Timestamp: snap.TakenAt},
		{Name: "critical_errors", Value: float64(snap.CriticalErrors), Unit: "count", Timestamp: snap.TakenAt},
		{Name: "avg_processing_duration", Value: snap.AvgDurationSecs, Unit: "seconds", Timestamp: snap.TakenAt},
		{Name: "quarantine_count", Value: float64(snap.QuarantineCount), Unit: "count", Timestamp: snap.TakenAt},
		{Name: "stuck_count", Value: float64(snap.StuckCount), Unit: "count", Timestamp: snap.TakenAt},
	}
	for state, count := range snap.States {
		samples = append(samples, domain.MetricSample{
			Name:      "jobs_by_state",
			Value:     float64(count),
			Unit:      "count",
			Metadata:  map[string]string{"state": string(state)},
			Timestamp: snap.TakenAt,
		})
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if saveErr := c.samples.Save(ctx, samples); saveErr != nil {
			return retry.RetryableError(saveErr)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Failed to persist metric samples", "error", err)
	}
}
