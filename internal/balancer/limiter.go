package balancer

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/davidbz/hestia/internal/domain"
)

// LimiterConfig bounds in-flight and queued work.
type LimiterConfig struct {
	// MaxConcurrent caps requests in flight across all providers.
	// Zero or negative disables the global cap.
	MaxConcurrent int64
	// QueueSize caps requests waiting for a slot. Once the queue is
	// full further requests fail fast with ErrQueueFull. Zero or
	// negative disables queueing entirely: a request that misses a
	// free slot is rejected immediately.
	QueueSize int64
	// DefaultProviderLimit applies to providers whose profile carries
	// no ConcurrencyLimit. Zero or negative disables per-provider caps.
	DefaultProviderLimit int64
}

// Limiter enforces global and per-provider concurrency limits with a
// bounded wait queue.
type Limiter struct {
	cfg    LimiterConfig
	global *semaphore.Weighted

	mu     sync.Mutex
	perPvd map[string]*semaphore.Weighted
	limits map[string]int64

	queued int64
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		perPvd: make(map[string]*semaphore.Weighted),
		limits: make(map[string]int64),
	}
	if cfg.MaxConcurrent > 0 {
		l.global = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return l
}

// SetProviderLimit registers a provider's concurrency cap. Must be
// called before the first Acquire for that provider takes effect.
func (l *Limiter) SetProviderLimit(providerName string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = l.cfg.DefaultProviderLimit
	}
	if limit <= 0 {
		delete(l.perPvd, providerName)
		delete(l.limits, providerName)
		return
	}
	if existing, ok := l.limits[providerName]; ok && existing == limit {
		return
	}
	l.perPvd[providerName] = semaphore.NewWeighted(limit)
	l.limits[providerName] = limit
}

func (l *Limiter) providerSem(providerName string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sem, ok := l.perPvd[providerName]; ok {
		return sem
	}
	if l.cfg.DefaultProviderLimit > 0 {
		sem := semaphore.NewWeighted(l.cfg.DefaultProviderLimit)
		l.perPvd[providerName] = sem
		l.limits[providerName] = l.cfg.DefaultProviderLimit
		return sem
	}
	return nil
}

// Acquire claims a slot for a request against providerName, blocking
// in the queue while slots are exhausted. The returned release func
// must be called exactly once. Returns ErrQueueFull when the wait
// queue is at capacity.
func (l *Limiter) Acquire(ctx context.Context, providerName string) (func(), error) {
	sems := make([]*semaphore.Weighted, 0, 2)
	if l.global != nil {
		sems = append(sems, l.global)
	}
	if sem := l.providerSem(providerName); sem != nil {
		sems = append(sems, sem)
	}

	release := func() {
		for _, sem := range sems {
			sem.Release(1)
		}
	}

	acquired := 0
	for _, sem := range sems {
		if sem.TryAcquire(1) {
			acquired++
			continue
		}
		if err := l.wait(ctx, sem); err != nil {
			for _, held := range sems[:acquired] {
				held.Release(1)
			}
			return nil, err
		}
		acquired++
	}
	return release, nil
}

func (l *Limiter) wait(ctx context.Context, sem *semaphore.Weighted) error {
	if l.cfg.QueueSize <= 0 {
		return domain.ErrQueueFull
	}
	if atomic.AddInt64(&l.queued, 1) > l.cfg.QueueSize {
		atomic.AddInt64(&l.queued, -1)
		return domain.ErrQueueFull
	}
	defer atomic.AddInt64(&l.queued, -1)
	return sem.Acquire(ctx, 1)
}

// Queued returns the number of requests currently waiting for a slot.
func (l *Limiter) Queued() int64 {
	return atomic.LoadInt64(&l.queued)
}
