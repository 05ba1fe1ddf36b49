package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node mode.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]time.Time)}
}

func (q *MemoryQueue) Push(ctx context.Context, fileID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[fileID] = at
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type entry struct {
		fileID string
		at     time.Time
	}
	var due []entry
	for fileID, at := range q.entries {
		if !at.After(now) {
			due = append(due, entry{fileID, at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]string, 0, len(due))
	for _, e := range due {
		delete(q.entries, e.fileID)
		out = append(out, e.fileID)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, fileID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, fileID)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// MemoryLocker is an in-process Locker for tests and single-node mode.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, fileID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.locks[fileID]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.locks[fileID] = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, fileID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, fileID)
	return nil
}
