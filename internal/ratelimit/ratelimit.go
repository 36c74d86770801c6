// Package ratelimit throttles submit_task per ClientId with a distributed
// token bucket, degrading to an in-process bucket when the distributed
// backend is unreachable (spec's Rate limiting module).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
)

// Backend is the token-bucket check primitive. RedisBackend and
// LocalTokenBucketBackend are interchangeable behind it; FallbackBackend
// composes the two.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// TierConfig holds a token bucket's burst size and refill rate. Marathon
// has a single tier (no per-client plans in scope), but the shape is kept
// so a future billing tier only needs a new TierConfig, not a new backend.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter checks submit_task requests against a Backend using a single
// TierConfig shared by every client.
type Limiter struct {
	backend Backend
	cfg     TierConfig
}

// New creates a Limiter enforcing cfg against backend.
func New(backend Backend, cfg TierConfig) *Limiter {
	return &Limiter{backend: backend, cfg: cfg}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks a single submit_task request for clientID.
func (l *Limiter) Allow(ctx context.Context, clientID ids.ClientID) (Result, error) {
	return l.AllowN(ctx, clientID, 1)
}

// AllowN checks n requests at once (used by batch submit paths, if any).
func (l *Limiter) AllowN(ctx context.Context, clientID ids.ClientID, n int) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, KeyForClient(clientID), l.cfg.BurstSize, l.cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	tokensNeeded := float64(l.cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / l.cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// KeyForClient returns the bucket key for a ClientId's submit throttle.
func KeyForClient(id ids.ClientID) string {
	return "submit:" + id.String()
}
