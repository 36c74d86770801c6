package ratelimit

import (
	"context"
	"testing"

	"github.com/MartianGreed/marathon/internal/ids"
)

func TestLocalTokenBucketAllowsUpToBurst(t *testing.T) {
	local := NewLocalTokenBucketBackend()
	limiter := New(local, TierConfig{RequestsPerSecond: 1, BurstSize: 2})

	clientID := ids.ClientID{1}

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(context.Background(), clientID)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed within burst", i)
		}
	}

	res, err := limiter.Allow(context.Background(), clientID)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected third request to exceed the burst and be denied")
	}
}

func TestLocalTokenBucketPerClientIsolation(t *testing.T) {
	local := NewLocalTokenBucketBackend()
	limiter := New(local, TierConfig{RequestsPerSecond: 1, BurstSize: 1})

	a, b := ids.ClientID{1}, ids.ClientID{2}

	if res, err := limiter.Allow(context.Background(), a); err != nil || !res.Allowed {
		t.Fatalf("client a first request should be allowed: %v %v", res, err)
	}
	if res, err := limiter.Allow(context.Background(), a); err != nil || res.Allowed {
		t.Fatalf("client a second request should be denied: %v %v", res, err)
	}
	if res, err := limiter.Allow(context.Background(), b); err != nil || !res.Allowed {
		t.Fatalf("client b should have its own bucket: %v %v", res, err)
	}
}

// erroringBackend always fails, simulating a Redis outage.
type erroringBackend struct{}

func (erroringBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	return false, 0, context.DeadlineExceeded
}

func TestFallbackBackendDegradesOnPrimaryError(t *testing.T) {
	fb := NewFallbackBackend(erroringBackend{})
	limiter := New(fb, TierConfig{RequestsPerSecond: 10, BurstSize: 1})

	if fb.Degraded() {
		t.Fatal("expected not degraded before first check")
	}
	res, err := limiter.Allow(context.Background(), ids.ClientID{3})
	if err != nil {
		t.Fatalf("Allow should degrade to local rather than error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected local fallback bucket to allow the first request")
	}
	if !fb.Degraded() {
		t.Fatal("expected backend to report degraded after primary error")
	}
}

func TestKeyForClientIsStableAndUnique(t *testing.T) {
	a, b := ids.ClientID{1}, ids.ClientID{2}
	if KeyForClient(a) != KeyForClient(a) {
		t.Fatal("expected KeyForClient to be stable for the same client")
	}
	if KeyForClient(a) == KeyForClient(b) {
		t.Fatal("expected distinct clients to get distinct keys")
	}
}
