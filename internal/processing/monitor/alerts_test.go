package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Mock Sink
// =============================================================================

type mockSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *mockSink) OnAlert(ctx context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *mockSink) count(rule string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Rule == rule {
			n++
		}
	}
	return n
}

func newDispatcher(sink Sink) *AlertDispatcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAlertDispatcher(AlertConfig{DedupWindow: 5 * time.Minute}, log, sink)
}

// =============================================================================
// Dispatcher Tests
// =============================================================================

func TestEvaluate_FiresOnBreach(t *testing.T) {
	sink := &mockSink{}
	d := newDispatcher(sink)
	ctx := context.Background()

	d.Evaluate(ctx, &Snapshot{ErrorRate: 42.0})

	if sink.count(RuleErrorRate) != 1 {
		t.Errorf("expected 1 error_rate alert, got %d", sink.count(RuleErrorRate))
	}
	if sink.count(RuleCriticalErrors) != 0 {
		t.Errorf("critical_errors fired without breach")
	}
}

func TestEvaluate_DedupWithinWindow(t *testing.T) {
	sink := &mockSink{}
	d := newDispatcher(sink)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	d.now = func() time.Time { return clock }

	// Many ticks inside the window: one alert only.
	for i := 0; i < 10; i++ {
		d.Evaluate(ctx, &Snapshot{ErrorRate: 42.0})
		clock = clock.Add(10 * time.Second)
	}
	if sink.count(RuleErrorRate) != 1 {
		t.Errorf("expected 1 alert within dedup window, got %d", sink.count(RuleErrorRate))
	}

	// Past the window while still breaching: re-fire.
	clock = base.Add(6 * time.Minute)
	d.Evaluate(ctx, &Snapshot{ErrorRate: 42.0})
	if sink.count(RuleErrorRate) != 2 {
		t.Errorf("expected re-fire after window, got %d", sink.count(RuleErrorRate))
	}
}

func TestEvaluate_RearmsAfterResolve(t *testing.T) {
	sink := &mockSink{}
	d := newDispatcher(sink)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	d.Evaluate(ctx, &Snapshot{QuarantineCount: 12})
	clock = clock.Add(time.Minute)
	// Condition resolves, then re-triggers inside what would have been the
	// dedup window: a fresh alert fires.
	d.Evaluate(ctx, &Snapshot{QuarantineCount: 2})
	clock = clock.Add(time.Minute)
	d.Evaluate(ctx, &Snapshot{QuarantineCount: 15})

	if sink.count(RuleQuarantineCount) != 2 {
		t.Errorf("expected 2 alerts around resolve, got %d", sink.count(RuleQuarantineCount))
	}
}

func TestEvaluate_AllRules(t *testing.T) {
	sink := &mockSink{}
	d := newDispatcher(sink)
	ctx := context.Background()

	d.Evaluate(ctx, &Snapshot{
		ErrorRate:       50,
		CriticalErrors:  6,
		QuarantineCount: 11,
		StuckCount:      2,
	})

	for _, rule := range []string{RuleErrorRate, RuleCriticalErrors, RuleQuarantineCount, RuleStuckProcessing} {
		if sink.count(rule) != 1 {
			t.Errorf("rule %s: expected 1 alert, got %d", rule, sink.count(rule))
		}
	}
	if len(d.History()) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(d.History()))
	}
}

func TestStatus_Aggregation(t *testing.T) {
	d := newDispatcher(&mockSink{})

	tests := []struct {
		name string
		snap *Snapshot
		want string
	}{
		{"no snapshot yet", nil, "healthy"},
		{"quiet", &Snapshot{ErrorRate: 1}, "healthy"},
		{"elevated errors", &Snapshot{ErrorRate: 15}, "degraded"},
		{"stuck jobs", &Snapshot{StuckCount: 1}, "degraded"},
		{"critical errors", &Snapshot{CriticalErrors: 5}, "critical"},
		{"runaway error rate", &Snapshot{ErrorRate: 25}, "critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Status(tt.snap); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
