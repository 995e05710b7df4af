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
	// idempotencyTTL is how long cached dispatch results are retained.
	// Job runners retry within minutes, not days; 24h gives explicit
	// Idempotency-Key callers a full day of dedup.
	idempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a reservation can block a duplicate
	// while the original request is still in flight. A send takes at most
	// attempts x (backoff + call timeout), well under this.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateDispatch indicates another request holds this idempotency key
// and has not finished yet.
var ErrDuplicateDispatch = errors.New("duplicate dispatch: idempotency key in flight")

// CachedDispatch is the stored outcome of an idempotent dispatch request.
type CachedDispatch struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CachedAt  int64  `json:"cached_at"`
}

// Idempotency deduplicates dispatch requests by caller-supplied key so a
// retried job-completion hook does not email the user twice.
type Idempotency struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotency creates the dispatch idempotency service.
func NewIdempotency(client *Client, logger *zap.Logger) *Idempotency {
	return &Idempotency{client: client, logger: logger}
}

func (s *Idempotency) key(userID, idempotencyKey string) string {
	return fmt.Sprintf("dispatch:idem:%s:%s", userID, idempotencyKey)
}

// CheckOrReserve returns the cached result if the key was already processed,
// reserves the key and returns nil if it is fresh, or ErrDuplicateDispatch
// if another request holds the reservation.
func (s *Idempotency) CheckOrReserve(ctx context.Context, userID, idempotencyKey string) (*CachedDispatch, error) {
	key := s.key(userID, idempotencyKey)

	// SET NX first: on a fresh key this wins the race atomically.
	reserved, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Reservation expired between SETNX and GET; treat as in flight
		return nil, ErrDuplicateDispatch
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateDispatch
	}

	var cached CachedDispatch
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		s.logger.Error("failed to unmarshal cached dispatch", zap.Error(err))
		return nil, fmt.Errorf("invalid cached dispatch: %w", err)
	}

	s.logger.Debug("dispatch idempotency hit",
		zap.String("user_id", userID),
		zap.String("message_id", cached.MessageID),
	)

	return &cached, nil
}

// Store replaces the reservation with the final dispatch result.
func (s *Idempotency) Store(ctx context.Context, userID, idempotencyKey string, result *CachedDispatch) error {
	if result.CachedAt == 0 {
		result.CachedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.key(userID, idempotencyKey), data, idempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a request aborted before producing a
// result, so the caller's retry is not locked out for the processing TTL.
func (s *Idempotency) Release(ctx context.Context, userID, idempotencyKey string) {
	if err := s.client.rdb.Del(ctx, s.key(userID, idempotencyKey)).Err(); err != nil {
		s.logger.Warn("failed to release idempotency reservation", zap.Error(err))
	}
}
