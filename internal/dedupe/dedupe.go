// Package dedupe suppresses duplicate alert dispatches when a change event is redelivered.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for dispatch claims.
	KeyPrefix = "changealerts:dispatched:"
	// DefaultTTL bounds how long a claim suppresses redelivery.
	DefaultTTL = 24 * time.Hour
)

// Store records which (rule, event) pairs have already been dispatched.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New creates a store. A non-positive ttl falls back to DefaultTTL.
func New(client redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Claim marks key as dispatched. It returns false when another delivery already claimed it.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, KeyPrefix+key, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dispatch key %s: %w", key, err)
	}
	return ok, nil
}

// Release removes a claim so a later redelivery can retry the dispatch.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release dispatch key %s: %w", key, err)
	}
	return nil
}
