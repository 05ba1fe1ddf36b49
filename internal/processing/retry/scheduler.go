// Package retry computes category-aware exponential backoff for failed jobs.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/morenocuratelo/archivista/internal/core/domain"
)

// Policy holds the backoff bounds for one error category.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Scheduler computes the next eligible attempt time for failed jobs.
// Delay grows exponentially with the retry count, bounded by the category
// cap, with uniform jitter to break up retry storms.
type Scheduler struct {
	policies map[domain.ErrorCategory]Policy
	jitter   float64
	now      func() time.Time
	randFn   func() float64
}

// DefaultPolicies returns the per-category backoff defaults.
func DefaultPolicies() map[domain.ErrorCategory]Policy {
	return map[domain.ErrorCategory]Policy{
		domain.CategoryIO:       {Base: 5 * time.Second, Cap: 5 * time.Minute},
		domain.CategoryResource: {Base: 10 * time.Second, Cap: 5 * time.Minute},
		domain.CategoryAPI:      {Base: 30 * time.Second, Cap: 10 * time.Minute},
		domain.CategoryUnknown:  {Base: 30 * time.Second, Cap: 10 * time.Minute},
	}
}

// New creates a scheduler. Missing category policies fall back to defaults;
// jitter is the fraction of the delay randomized in both directions.
func New(policies map[domain.ErrorCategory]Policy, jitter float64) *Scheduler {
	merged := DefaultPolicies()
	for cat, p := range policies {
		merged[cat] = p
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Scheduler{
		policies: merged,
		jitter:   jitter,
		now:      time.Now,
		randFn:   rand.Float64,
	}
}

// NewDefault creates a scheduler with default policies and ±25% jitter.
func NewDefault() *Scheduler {
	return New(nil, 0.25)
}

// Delay returns the backoff delay before the given retry attempt.
// retryCount is the number of attempts already failed (0-indexed).
func (s *Scheduler) Delay(retryCount int, category domain.ErrorCategory) time.Duration {
	policy, ok := s.policies[category]
	if !ok {
		policy = s.policies[domain.CategoryUnknown]
	}

	delay := float64(policy.Base) * math.Pow(2, float64(retryCount))
	if delay > float64(policy.Cap) {
		delay = float64(policy.Cap)
	}

	if s.jitter > 0 {
		// uniform in [-jitter, +jitter]
		factor := 1 + (s.randFn()*2-1)*s.jitter
		delay *= factor
	}

	return time.Duration(delay)
}

// NextAttemptAt returns the wall-clock time of the next eligible attempt.
func (s *Scheduler) NextAttemptAt(retryCount int, category domain.ErrorCategory) time.Time {
	return s.now().Add(s.Delay(retryCount, category))
}

// Eligible reports whether a retry-scheduled job may be re-enqueued now.
// Jobs without a stored next attempt time are eligible immediately.
func (s *Scheduler) Eligible(job *domain.ProcessingJob) bool {
	if job.NextAttemptAt == nil {
		return true
	}
	return !s.now().Before(*job.NextAttemptAt)
}
