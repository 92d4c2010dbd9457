package core

import (
	"context"
	"sync"
	"time"
)

type MemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count int
	end   time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		now:     time.Now,
		windows: make(map[string]*fixedWindow),
	}
}

func (r *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, exists := r.windows[key]
	if !exists || !now.Before(w.end) {
		r.sweep(now)
		r.windows[key] = &fixedWindow{count: 1, end: now.Add(window)}
		return nil
	}
	if w.count >= limit {
		return ErrRateLimitExceeded
	}
	w.count++
	return nil
}

// sweep drops closed windows so idle keys do not accumulate.
func (r *MemoryRateLimiter) sweep(now time.Time) {
	for k, w := range r.windows {
		if !now.Before(w.end) {
			delete(r.windows, k)
		}
	}
}
