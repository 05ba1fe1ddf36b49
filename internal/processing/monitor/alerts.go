package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/processing/metrics"
)

// Alert rule names.
const (
	RuleErrorRate       = "error_rate"
	RuleCriticalErrors  = "critical_errors"
	RuleQuarantineCount = "quarantine_count"
	RuleStuckProcessing = "stuck_processing"
)

const alertHistorySize = 50

// Thresholds holds the alert trigger levels.
type Thresholds struct {
	// ErrorRate fires above this failure percentage.
	ErrorRate float64 `yaml:"error_rate"`

	// CriticalErrors fires at or above this count in the error window.
	CriticalErrors int `yaml:"critical_errors"`

	// QuarantineCount fires at or above this many open records.
	QuarantineCount int `yaml:"quarantine_count"`
}

// AlertConfig holds alert dispatch settings.
type AlertConfig struct {
	// DedupWindow suppresses repeat alerts per rule while the condition
	// persists.
	DedupWindow time.Duration `yaml:"dedup_window"`

	Thresholds Thresholds `yaml:"thresholds"`
}

func (c *AlertConfig) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.Thresholds.ErrorRate <= 0 {
		c.Thresholds.ErrorRate = 10.0
	}
	if c.Thresholds.CriticalErrors <= 0 {
		c.Thresholds.CriticalErrors = 5
	}
	if c.Thresholds.QuarantineCount <= 0 {
		c.Thresholds.QuarantineCount = 10
	}
}

// Alert is one fired threshold breach.
type Alert struct {
	Rule     string               `json:"rule"`
	Severity domain.ErrorSeverity `json:"severity"`
	Message  string               `json:"message"`
	FiredAt  time.Time            `json:"fired_at"`
	Snapshot *Snapshot            `json:"snapshot,omitempty"`
}

// Sink receives fired alerts. Implementations must not block; slow
// delivery holds up the collection tick.
type Sink interface {
	OnAlert(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) OnAlert(ctx context.Context, alert Alert) {
	s.Log.Warn("ALERT",
		"rule", alert.Rule,
		"severity", alert.Severity,
		"message", alert.Message)
}

// ruleState tracks the firing lifecycle of one rule.
type ruleState struct {
	active    bool
	lastFired time.Time
}

// AlertDispatcher evaluates threshold rules against snapshots and fans
// fired alerts out to the sinks. A rule fires at most once per dedup
// window while its condition persists; when the condition resolves the
// rule re-arms immediately.
type AlertDispatcher struct {
	cfg   AlertConfig
	sinks []Sink
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	rules   map[string]*ruleState
	history []Alert
}

// NewAlertDispatcher creates a dispatcher.
func NewAlertDispatcher(cfg AlertConfig, log *slog.Logger, sinks ...Sink) *AlertDispatcher {
	cfg.applyDefaults()
	if len(sinks) == 0 {
		sinks = []Sink{&LogSink{Log: log}}
	}
	return &AlertDispatcher{
		cfg:   cfg,
		sinks: sinks,
		log:   log,
		now:   time.Now,
		rules: make(map[string]*ruleState),
	}
}

// AddSink registers an additional alert sink.
func (d *AlertDispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Evaluate checks all rules against a snapshot.
func (d *AlertDispatcher) Evaluate(ctx context.Context, snap *Snapshot) {
	t := d.cfg.Thresholds

	d.check(ctx, snap, RuleErrorRate, domain.SeverityHigh,
		snap.ErrorRate > t.ErrorRate,
		fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", snap.ErrorRate, t.ErrorRate))

	d.check(ctx, snap, RuleCriticalErrors, domain.SeverityCritical,
		snap.CriticalErrors >= t.CriticalErrors,
		fmt.Sprintf("%d critical errors in window (threshold %d)", snap.CriticalErrors, t.CriticalErrors))

	d.check(ctx, snap, RuleQuarantineCount, domain.SeverityHigh,
		snap.QuarantineCount >= t.QuarantineCount,
		fmt.Sprintf("%d documents quarantined (threshold %d)", snap.QuarantineCount, t.QuarantineCount))

	d.check(ctx, snap, RuleStuckProcessing, domain.SeverityMedium,
		snap.StuckCount > 0,
		fmt.Sprintf("%d jobs stuck in processing", snap.StuckCount))
}

// check fires or clears one rule.
func (d *AlertDispatcher) check(
	ctx context.Context,
	snap *Snapshot,
	rule string,
	severity domain.ErrorSeverity,
	triggered bool,
	message string,
) {
	d.mu.Lock()
	state, ok := d.rules[rule]
	if !ok {
		state = &ruleState{}
		d.rules[rule] = state
	}

	if !triggered {
		if state.active {
			d.log.Info("Alert condition resolved", "rule", rule)
		}
		state.active = false
		d.mu.Unlock()
		return
	}

	now := d.now()
	if state.active && now.Sub(state.lastFired) < d.cfg.DedupWindow {
		d.mu.Unlock()
		return
	}
	state.active = true
	state.lastFired = now

	alert := Alert{
		Rule:     rule,
		Severity: severity,
		Message:  message,
		FiredAt:  now,
		Snapshot: snap,
	}
	d.history = append(d.history, alert)
	if len(d.history) > alertHistorySize {
		d.history = d.history[len(d.history)-alertHistorySize:]
	}
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.Unlock()

	metrics.AlertsFired.WithLabelValues(rule).Inc()
	for _, sink := range sinks {
		sink.OnAlert(ctx, alert)
	}
}

// History returns the most recent fired alerts, oldest first.
func (d *AlertDispatcher) History() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Alert, len(d.history))
	copy(out, d.history)
	return out
}

// Status derives the aggregate health level from a snapshot. Worst
// breached threshold wins.
func (d *AlertDispatcher) Status(snap *Snapshot) string {
	if snap == nil {
		return "healthy"
	}
	t := d.cfg.Thresholds

	if snap.CriticalErrors >= t.CriticalErrors || snap.ErrorRate > t.ErrorRate*2 {
		return "critical"
	}
	if snap.ErrorRate > t.ErrorRate || snap.QuarantineCount >= t.QuarantineCount || snap.StuckCount > 0 {
		return "degraded"
	}
	return "healthy"
}
