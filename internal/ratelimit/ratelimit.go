// Package ratelimit bounds how often a rider may repeat an action inside a
// rolling window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Limiter interface {
	// Allow records a hit for key and reports whether it fit in the window.
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a sliding-window limiter for a single server instance.
// Multi-instance deployments must use RedisLimiter so one rider cannot get
// N attempts per instance.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	valid := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= l.limit {
		l.hits[key] = valid
		return false, nil
	}
	l.hits[key] = append(valid, now)
	return true, nil
}
