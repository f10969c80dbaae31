package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	cacheredis "github.com/davidbz/hestia/internal/cache/redis"
	"github.com/davidbz/hestia/internal/domain"
)

func newTestStore(t *testing.T) (*cacheredis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return cacheredis.NewStore(client), mr
}

func TestStore_SetGetRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	result := &domain.CompletionResult{
		ID:       "resp-1",
		Provider: "openai",
		Model:    "gpt-4",
		Content:  "cached content",
		Usage:    domain.Usage{InputTokens: 5, OutputTokens: 9, TotalTokens: 14},
	}

	require.NoError(t, store.Set(ctx, "cache:exact:abc", result, time.Minute))

	got, cachedAt, remaining, err := store.Get(ctx, "cache:exact:abc")
	require.NoError(t, err)
	require.Equal(t, "resp-1", got.ID)
	require.Equal(t, "cached content", got.Content)
	require.Equal(t, 14, got.Usage.TotalTokens)
	require.WithinDuration(t, time.Now(), cachedAt, 5*time.Second)
	require.Greater(t, remaining, time.Duration(0))
	require.LessOrEqual(t, remaining, time.Minute)
}

func TestStore_GetReportsRemainingTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cache:exact:ttl", &domain.CompletionResult{ID: "x"}, time.Minute))
	mr.FastForward(20 * time.Second)

	_, _, remaining, err := store.Get(ctx, "cache:exact:ttl")
	require.NoError(t, err)
	require.LessOrEqual(t, remaining, 40*time.Second)
	require.Greater(t, remaining, time.Duration(0))

	t.Run("should report zero for keys without expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cache:exact:forever", &domain.CompletionResult{ID: "y"}, 0))

		_, _, remaining, err := store.Get(ctx, "cache:exact:forever")
		require.NoError(t, err)
		require.Zero(t, remaining)
	})
}

func TestStore_MissingKeyIsCacheMiss(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, _, err := store.Get(context.Background(), "cache:exact:nope")
	require.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestStore_ExpiredKeyIsCacheMiss(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cache:exact:ttl", &domain.CompletionResult{ID: "x"}, time.Second))

	mr.FastForward(2 * time.Second)

	_, _, _, err := store.Get(ctx, "cache:exact:ttl")
	require.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestStore_CorruptEntryIsDroppedAsMiss(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, mr.Set("cache:exact:bad", "not json"))

	_, _, _, err := store.Get(context.Background(), "cache:exact:bad")
	require.ErrorIs(t, err, domain.ErrCacheMiss)
	require.False(t, mr.Exists("cache:exact:bad"))
}

func TestStore_Ping(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	require.Error(t, store.Ping(context.Background()))
}
