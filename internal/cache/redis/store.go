package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// Store is the persistent exact-fingerprint cache tier. Entries are
// keyed by request fingerprint and expire via Redis TTLs.
type Store struct {
	client *redis.Client
}

type storedEntry struct {
	Response *domain.CompletionResult `json:"response"`
	CachedAt time.Time                `json:"cached_at"`
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get fetches an exact-match entry along with its remaining TTL.
// Returns ErrCacheMiss when the key is absent or expired; a zero TTL
// means the entry never expires.
func (s *Store) Get(ctx context.Context, key string) (*domain.CompletionResult, time.Time, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, time.Time{}, 0, fmt.Errorf("redis get: %w", err)
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, 0, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, time.Time{}, 0, fmt.Errorf("redis get: %w", err)
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		observability.FromContext(ctx).Warn("dropping undecodable cache entry",
			observability.String("key", key),
			observability.Error(err))
		s.client.Del(ctx, key)
		return nil, time.Time{}, 0, domain.ErrCacheMiss
	}

	// TTL reports -1 for keys without expiry and -2 for missing keys.
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return entry.Response, entry.CachedAt, ttl, nil
}

// Set stores an entry under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, response *domain.CompletionResult, ttl time.Duration) error {
	raw, err := json.Marshal(storedEntry{Response: response, CachedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
