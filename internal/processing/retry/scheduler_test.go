package retry

import (
	"testing"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
)

// fixed returns a scheduler with no jitter and a pinned clock.
func fixed(at time.Time) *Scheduler {
	s := New(nil, 0)
	s.now = func() time.Time { return at }
	return s
}

func TestDelay_ExponentialGrowth(t *testing.T) {
	s := New(nil, 0)

	// IOError: base 5s, cap 5m
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
	}
	for _, tt := range tests {
		if d := s.Delay(tt.retryCount, domain.CategoryIO); d != tt.want {
			t.Errorf("retry %d: expected %v, got %v", tt.retryCount, tt.want, d)
		}
	}
}

func TestDelay_CapRespected(t *testing.T) {
	s := New(nil, 0)

	// 5s * 2^10 would be ~85m; cap is 5m.
	if d := s.Delay(10, domain.CategoryIO); d != 5*time.Minute {
		t.Errorf("expected cap 5m, got %v", d)
	}
	// APIError cap is 10m.
	if d := s.Delay(20, domain.CategoryAPI); d != 10*time.Minute {
		t.Errorf("expected cap 10m, got %v", d)
	}
}

func TestDelay_UnknownCategoryFallsBack(t *testing.T) {
	s := New(nil, 0)
	if d := s.Delay(0, domain.ErrorCategory("NoSuchCategory")); d != 30*time.Second {
		t.Errorf("expected UnknownError base 30s, got %v", d)
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	s := New(nil, 0.25)

	// Worst cases of the rand source.
	s.randFn = func() float64 { return 0 } // factor 0.75
	if d := s.Delay(0, domain.CategoryIO); d != 3750*time.Millisecond {
		t.Errorf("low jitter: expected 3.75s, got %v", d)
	}
	s.randFn = func() float64 { return 1 } // factor 1.25
	if d := s.Delay(0, domain.CategoryIO); d != 6250*time.Millisecond {
		t.Errorf("high jitter: expected 6.25s, got %v", d)
	}
	s.randFn = func() float64 { return 0.5 } // factor 1.0
	if d := s.Delay(0, domain.CategoryIO); d != 5*time.Second {
		t.Errorf("mid jitter: expected 5s, got %v", d)
	}
}

func TestDelay_NegativeJitterDisabled(t *testing.T) {
	// Negative jitter is the config sentinel for "off": delays are exact.
	s := New(nil, -1)
	s.randFn = func() float64 { return 1 }
	if d := s.Delay(0, domain.CategoryIO); d != 5*time.Second {
		t.Errorf("expected exact base delay 5s, got %v", d)
	}
	if d := s.Delay(2, domain.CategoryIO); d != 20*time.Second {
		t.Errorf("expected exact doubled delay 20s, got %v", d)
	}
}

func TestDelay_MonotonicWithinJitterBounds(t *testing.T) {
	s := NewDefault()

	// With ±25% jitter adjacent steps can overlap, but the lower bound of
	// each step must exceed the upper bound of the step two earlier while
	// below the cap.
	for n := 2; n < 6; n++ {
		s.randFn = func() float64 { return 0 } // factor 0.75
		low := s.Delay(n, domain.CategoryIO)
		s.randFn = func() float64 { return 1 } // factor 1.25
		highTwoBack := s.Delay(n-2, domain.CategoryIO)
		if low <= highTwoBack {
			t.Fatalf("backoff not growing: step %d low %v <= step %d high %v",
				n, low, n-2, highTwoBack)
		}
	}
}

func TestNextAttemptAt(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixed(base)

	got := s.NextAttemptAt(1, domain.CategoryIO)
	want := base.Add(10 * time.Second)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEligible(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixed(base)

	past := base.Add(-time.Second)
	future := base.Add(time.Second)

	if !s.Eligible(&domain.ProcessingJob{NextAttemptAt: &past}) {
		t.Error("past attempt time must be eligible")
	}
	if s.Eligible(&domain.ProcessingJob{NextAttemptAt: &future}) {
		t.Error("future attempt time must not be eligible")
	}
	if !s.Eligible(&domain.ProcessingJob{}) {
		t.Error("missing attempt time must be eligible")
	}
}
