package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  3,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "caller-1")
		if err != nil {
			t.Fatalf("allow %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 3-i-1 {
			t.Errorf("request %d: remaining = %d, want %d", i, result.Remaining, 3-i-1)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "caller-1"); err != nil {
			t.Fatalf("allow %d failed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "caller-1")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("request over the limit must be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if result.ResetAt.Before(time.Now()) {
		t.Error("reset time must be in the future")
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "caller-1"); err != nil {
		t.Fatalf("allow failed: %v", err)
	}

	result, err := limiter.Allow(ctx, "caller-2")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if !result.Allowed {
		t.Error("a saturated caller must not affect others")
	}
}
