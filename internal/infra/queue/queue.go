// Package queue defines the work and retry queues the orchestrator
// schedules jobs through. During a crash the durable job state, not the
// queue, is the source of truth: queues only order eligible work.
package queue

import (
	"context"
	"time"
)

// Queue orders file identifiers by an eligibility timestamp.
type Queue interface {
	// Push adds a file with the time it becomes eligible. Re-pushing an
	// existing member updates its eligibility time.
	Push(ctx context.Context, fileID string, at time.Time) error

	// PopDue removes and returns up to limit files whose eligibility time
	// has passed, oldest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Remove deletes a file from the queue if present.
	Remove(ctx context.Context, fileID string) error

	// Len returns the number of queued files.
	Len(ctx context.Context) (int, error)
}

// Locker grants short-lived exclusive processing locks per file.
type Locker interface {
	// Acquire attempts to take the processing lock for a file.
	Acquire(ctx context.Context, fileID string, ttl time.Duration) (bool, error)

	// Release frees the processing lock for a file.
	Release(ctx context.Context, fileID string) error
}
