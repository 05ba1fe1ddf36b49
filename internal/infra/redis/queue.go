package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key helpers
func queueKey(name string) string {
	return fmt.Sprintf("archivista:queue:%s", name)
}

func lockKey(fileID string) string {
	return fmt.Sprintf("archivista:processing:%s", fileID)
}

// SortedQueue implements queue.Queue on a Redis sorted set.
// Score is the unix timestamp at which the member becomes eligible.
type SortedQueue struct {
	rdb  *redis.Client
	name string
}

// NewSortedQueue creates a named sorted-set queue.
func NewSortedQueue(client *Client, name string) *SortedQueue {
	return &SortedQueue{rdb: client.rdb, name: name}
}

// Push adds a file with its eligibility time. Re-pushing updates the score.
func (q *SortedQueue) Push(ctx context.Context, fileID string, at time.Time) error {
	err := q.rdb.ZAdd(ctx, queueKey(q.name), redis.Z{
		Score:  float64(at.Unix()),
		Member: fileID,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopDue removes and returns up to limit due members, oldest first.
func (q *SortedQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	key := queueKey(q.name)
	members, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	out := make([]string, 0, len(members))
	for _, member := range members {
		// ZRem returns 0 if another instance already claimed the member.
		removed, err := q.rdb.ZRem(ctx, key, member).Result()
		if err != nil {
			return out, fmt.Errorf("zrem failed: %w", err)
		}
		if removed > 0 {
			out = append(out, member)
		}
	}
	return out, nil
}

// Remove deletes a file from the queue.
func (q *SortedQueue) Remove(ctx context.Context, fileID string) error {
	return q.rdb.ZRem(ctx, queueKey(q.name), fileID).Err()
}

// Len returns the number of queued files.
func (q *SortedQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(q.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

// Locker implements queue.Locker on Redis SetNX with TTL.
type Locker struct {
	rdb *redis.Client
}

// NewLocker creates a Redis-backed processing locker.
func NewLocker(client *Client) *Locker {
	return &Locker{rdb: client.rdb}
}

// Acquire attempts to take the processing lock for a file.
func (l *Locker) Acquire(ctx context.Context, fileID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(fileID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Release frees the processing lock for a file.
func (l *Locker) Release(ctx context.Context, fileID string) error {
	return l.rdb.Del(ctx, lockKey(fileID)).Err()
}
