package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a client-provided Idempotency-Key is
	// honored. Within the window a repeated key returns the original
	// notification instead of creating a second one.
	IdempotencyTTL = 24 * time.Hour

	// reserveTTL bounds the processing lock so a crashed request does
	// not pin its key forever.
	reserveTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrRequestInFlight is returned when the same idempotency key is
// already being processed by a concurrent request.
var ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

// IdempotencyResult is the cached outcome replayed for a repeated key.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates notification creation by client key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("despacho:idem:%s", idempotencyKey)
}

// CheckOrReserve returns the cached result for a seen key, or reserves
// the key and returns nil so the caller may proceed. A concurrent
// in-flight request for the same key yields ErrRequestInFlight.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if err == nil {
		if val == processingMarker {
			return nil, ErrRequestInFlight
		}

		var result IdempotencyResult
		if err := json.Unmarshal([]byte(val), &result); err != nil {
			s.logger.Error("invalid cached idempotency result", zap.Error(err))
			return nil, fmt.Errorf("invalid cached result: %w", err)
		}

		s.logger.Debug("idempotency cache hit",
			zap.String("notification_id", result.NotificationID),
		)
		return &result, nil
	}

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, reserveTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		// Lost the race to another request between Get and SetNX.
		return nil, ErrRequestInFlight
	}

	return nil, nil
}

// Store records the outcome for a reserved key.
func (s *IdempotencyService) Store(ctx context.Context, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(idempotencyKey), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a failed request so the client can
// retry with the same key.
func (s *IdempotencyService) Release(ctx context.Context, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
