package core

import (
	"context"
	"time"
)

// RateLimiter admits at most limit calls per key in each fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) error
}
