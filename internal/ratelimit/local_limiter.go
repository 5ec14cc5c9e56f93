package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 10 * time.Minute

// LocalLimiter is the single-process stand-in for RedisTokenBucket: capacity
// tokens per window, tracked per subject in memory.
type LocalLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*localEntry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	cleanupAt time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter(capacity int, window time.Duration) (*LocalLimiter, error) {
	if err := checkBucket(capacity, window); err != nil {
		return nil, err
	}
	return &LocalLimiter{
		limiters:  make(map[string]*localEntry),
		limit:     rate.Limit(float64(capacity) / window.Seconds()),
		burst:     capacity,
		now:       time.Now,
		cleanupAt: time.Now().Add(idleLimiterTTL),
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, subject string, cost int) (Decision, error) {
	subject = normalizeSubject(subject)
	cost = clampCost(cost, int64(l.burst))

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(idleLimiterTTL)
	}

	entry, ok := l.limiters[subject]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[subject] = entry
	}
	entry.lastSeen = now

	if entry.limiter.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: int64(math.Floor(entry.limiter.TokensAt(now)))}, nil
	}

	missing := float64(cost) - entry.limiter.TokensAt(now)
	retryAfter := time.Duration(missing / float64(l.limit) * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// cleanup drops subjects idle for longer than idleLimiterTTL. Caller holds mu.
func (l *LocalLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-idleLimiterTTL)
	for subject, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, subject)
		}
	}
}
