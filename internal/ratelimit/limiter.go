package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a request from subject may proceed. Cost is the
// number of tokens the request takes; heavier requests take more.
type Limiter interface {
	Allow(ctx context.Context, subject string, cost int) (Decision, error)
}

// New returns a Redis backed limiter when client is non-nil and an in-process
// one otherwise.
func New(client redis.UniversalClient, capacity int, window time.Duration) (Limiter, error) {
	if client == nil {
		return NewLocalLimiter(capacity, window)
	}
	return NewRedisTokenBucket(client, capacity, window, "")
}
