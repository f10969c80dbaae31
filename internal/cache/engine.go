package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// ExactStore is the persistent exact-fingerprint tier. Get reports the
// entry's remaining TTL so derived tiers can expire with it; zero means
// the entry never expires.
type ExactStore interface {
	Get(ctx context.Context, key string) (*domain.CompletionResult, time.Time, time.Duration, error)
	Set(ctx context.Context, key string, response *domain.CompletionResult, ttl time.Duration) error
}

// Config controls the cache engine.
type Config struct {
	// MaxMemoryEntries bounds the in-process LRU tier.
	MaxMemoryEntries int
	// SimilarityThreshold is the minimum cosine similarity for a
	// semantic hit. Zero disables the similarity path even when an
	// embedding generator is wired.
	SimilarityThreshold float64
}

// Engine is the two-tier response cache: an in-process LRU in front of
// a persistent exact-match store, with an optional embedding-based
// similarity fallback. The persistent tier is authoritative; the LRU
// is a derived index that is repopulated on exact hits.
type Engine struct {
	cfg      Config
	memory   *memoryStore
	store    ExactStore
	embedder domain.EmbeddingGenerator
	search   domain.SimilaritySearch

	hits           int64
	misses         int64
	similarityHits int64
}

// NewEngine builds a cache engine. embedder and search may both be nil
// to run exact-match only.
func NewEngine(cfg Config, store ExactStore, embedder domain.EmbeddingGenerator, search domain.SimilaritySearch) *Engine {
	return &Engine{
		cfg:      cfg,
		memory:   newMemoryStore(cfg.MaxMemoryEntries),
		store:    store,
		embedder: embedder,
		search:   search,
	}
}

// Get looks up req in the exact tiers first, then the similarity tier.
// Returns ErrCacheMiss when nothing qualifies.
func (e *Engine) Get(ctx context.Context, req *domain.CompletionRequest) (*domain.CachedResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	fingerprint := domain.Fingerprint(req)
	key := domain.CacheKey(fingerprint)
	logger := observability.FromContext(ctx)

	if entry, ok := e.memory.get(key, time.Now()); ok {
		atomic.AddInt64(&e.hits, 1)
		logger.Debug("cache hit in memory tier",
			observability.String("fingerprint", fingerprint))
		return &domain.CachedResponse{
			Response: entry.response,
			CachedAt: entry.cachedAt,
			Exact:    true,
		}, nil
	}

	response, cachedAt, remaining, err := e.store.Get(ctx, key)
	if err == nil {
		atomic.AddInt64(&e.hits, 1)
		// Promote under the authoritative entry's remaining TTL so the
		// derived index never outlives it.
		var expiresAt time.Time
		if remaining > 0 {
			expiresAt = time.Now().Add(remaining)
		}
		e.memory.set(key, response, cachedAt, expiresAt)
		logger.Debug("cache hit in persistent tier",
			observability.String("fingerprint", fingerprint))
		return &domain.CachedResponse{
			Response: response,
			CachedAt: cachedAt,
			Exact:    true,
		}, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		return nil, err
	}

	if cached, simErr := e.similarityGet(ctx, req); simErr == nil {
		atomic.AddInt64(&e.similarityHits, 1)
		return cached, nil
	} else if !errors.Is(simErr, domain.ErrCacheMiss) {
		// A degraded similarity tier downgrades to a plain miss so the
		// request still reaches a provider.
		logger.Warn("similarity lookup failed, treating as miss",
			observability.Error(simErr))
	}

	atomic.AddInt64(&e.misses, 1)
	return nil, domain.ErrCacheMiss
}

func (e *Engine) similarityGet(ctx context.Context, req *domain.CompletionRequest) (*domain.CachedResponse, error) {
	if !e.similarityEnabled() {
		return nil, domain.ErrCacheMiss
	}

	embedding, err := e.embedder.Generate(ctx, domain.QueryText(req))
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}

	results, err := e.search.Search(ctx, embedding, e.cfg.SimilarityThreshold, 1)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(results) == 0 {
		return nil, domain.ErrCacheMiss
	}

	var response domain.CompletionResult
	if err := json.Unmarshal(results[0].Data, &response); err != nil {
		return nil, fmt.Errorf("unmarshal cached response: %w", err)
	}

	observability.FromContext(ctx).Debug("cache hit in similarity tier",
		observability.Float64("similarity", results[0].Similarity),
		observability.String("key", results[0].Key))

	return &domain.CachedResponse{
		Response:        &response,
		CachedAt:        results[0].IndexedAt,
		Exact:           false,
		SimilarityScore: results[0].Similarity,
	}, nil
}

// Set writes a completed response through both exact tiers and, when
// the similarity path is enabled, indexes its embedding. Responses
// served from cache are never written back.
func (e *Engine) Set(ctx context.Context, req *domain.CompletionRequest, result *domain.CompletionResult, ttl time.Duration) error {
	if req == nil || result == nil {
		return errors.New("request and result cannot be nil")
	}
	if result.Cached {
		return nil
	}

	fingerprint := domain.Fingerprint(req)
	key := domain.CacheKey(fingerprint)
	now := time.Now()

	if err := e.store.Set(ctx, key, result, ttl); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	e.memory.set(key, result, now, expiresAt)

	if e.similarityEnabled() {
		if err := e.indexEmbedding(ctx, req, result, fingerprint, ttl); err != nil {
			// Exact tiers already hold the entry. Losing the vector
			// index only costs future similarity hits.
			observability.FromContext(ctx).Warn("failed to index embedding",
				observability.String("fingerprint", fingerprint),
				observability.Error(err))
		}
	}
	return nil
}

func (e *Engine) indexEmbedding(ctx context.Context, req *domain.CompletionRequest, result *domain.CompletionResult, fingerprint string, ttl time.Duration) error {
	embedding, err := e.embedder.Generate(ctx, domain.QueryText(req))
	if err != nil {
		return fmt.Errorf("generate embedding: %w", err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return e.search.Index(ctx, domain.VectorKey(fingerprint), embedding, data, ttl)
}

// Stats returns cache performance counters.
func (e *Engine) Stats(_ context.Context) (*domain.CacheStats, error) {
	return &domain.CacheStats{
		Hits:           atomic.LoadInt64(&e.hits),
		Misses:         atomic.LoadInt64(&e.misses),
		SimilarityHits: atomic.LoadInt64(&e.similarityHits),
		MemoryEntries:  e.memory.len(),
	}, nil
}

func (e *Engine) similarityEnabled() bool {
	return e.embedder != nil && e.search != nil && e.cfg.SimilarityThreshold > 0
}
