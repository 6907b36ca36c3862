package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyNewKeyReserves(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for a fresh key, got: %+v", result)
	}
}

func TestIdempotencyConcurrentKeyRejected(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	if _, err := svc.CheckOrReserve(ctx, "key-1"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got: %v", err)
	}
}

func TestIdempotencyReplaysStoredResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	stored := &IdempotencyResult{
		NotificationID: "7b0f6f1e-0000-0000-0000-000000000001",
		StatusCode:     201,
	}
	if err := svc.Store(ctx, "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.NotificationID != stored.NotificationID {
		t.Errorf("wrong notification replayed: %s", result.NotificationID)
	}
	if result.StatusCode != 201 {
		t.Errorf("wrong status replayed: %d", result.StatusCode)
	}
}

func TestIdempotencyReleaseAllowsRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("retry after release failed: %v", err)
	}
	if result != nil {
		t.Fatalf("expected fresh reservation after release, got: %+v", result)
	}
}
