package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/davidbz/hestia/internal/balancer"
	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/health"
	"github.com/davidbz/hestia/internal/observability"
	"github.com/davidbz/hestia/internal/retry"
)

// Config controls the router facade.
type Config struct {
	// CacheTTL bounds how long completed responses stay cached.
	CacheTTL time.Duration
	// RequestTimeout is the global per-request deadline. Zero leaves
	// the caller's context untouched.
	RequestTimeout time.Duration
	// EnableFailover walks the full candidate list on failure. When
	// false only the first candidate is tried.
	EnableFailover bool
	// EnableCircuitBreaker gates dispatch through per-provider
	// breakers.
	EnableCircuitBreaker bool
}

// Router is the facade tying the cache, balancer, breakers, retry
// coordinator and ledger into the per-request dispatch protocol.
type Router struct {
	cfg      Config
	registry domain.ProviderRegistry
	cache    domain.ResponseCache
	balancer *balancer.Balancer
	limiter  *balancer.Limiter
	breakers *breaker.Set
	retryer  *retry.Coordinator
	monitor  *health.Monitor
	tracker  domain.UsageTracker
	cost     domain.CostCalculator
	events   domain.EventPublisher
	logger   *zap.Logger

	// flight collapses concurrent identical-fingerprint misses into a
	// single provider call.
	flight singleflight.Group

	inflight sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	stats    statsCounters
}

type statsCounters struct {
	total     int64
	successes int64
	failures  int64
	cacheHits int64
	providers map[string]*ProviderStats
}

// ProviderStats is the per-provider slice of the aggregate counters.
type ProviderStats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Stats is the aggregate counter snapshot.
type Stats struct {
	TotalRequests int64                     `json:"total_requests"`
	Successes     int64                     `json:"successes"`
	Failures      int64                     `json:"failures"`
	CacheHits     int64                     `json:"cache_hits"`
	SuccessRate   float64                   `json:"success_rate"`
	Queued        int64                     `json:"queued"`
	Providers     map[string]*ProviderStats `json:"providers"`
}

func New(
	cfg Config,
	registry domain.ProviderRegistry,
	cache domain.ResponseCache,
	bal *balancer.Balancer,
	limiter *balancer.Limiter,
	breakers *breaker.Set,
	retryer *retry.Coordinator,
	monitor *health.Monitor,
	tracker domain.UsageTracker,
	cost domain.CostCalculator,
	events domain.EventPublisher,
	logger *zap.Logger,
) *Router {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		balancer: bal,
		limiter:  limiter,
		breakers: breakers,
		retryer:  retryer,
		monitor:  monitor,
		tracker:  tracker,
		cost:     cost,
		events:   events,
		logger:   logger,
		stats:    statsCounters{providers: make(map[string]*ProviderStats)},
	}
}

// RouteOptions tune a single prompt-level routing call.
type RouteOptions struct {
	Model       string
	Provider    string
	Priority    domain.Priority
	MaxTokens   int
	Temperature float64
}

// RouteResult is the prompt-level response shape.
type RouteResult struct {
	Response     string `json:"response"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
	Cached       bool   `json:"cached"`
}

// Route sends a single prompt through the dispatch protocol.
func (r *Router) Route(ctx context.Context, prompt string, opts RouteOptions) (*RouteResult, error) {
	req := &domain.CompletionRequest{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Priority:    opts.Priority,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages: []domain.Message{
			{Role: "user", Content: prompt},
		},
	}

	result, err := r.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RouteResult{
		Response:     result.Content,
		Provider:     result.Provider,
		Model:        result.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		LatencyMs:    result.LatencyMs,
		Cached:       result.Cached,
	}, nil
}

// CreateChatCompletion runs the full per-request protocol: cache
// lookup, budget gate, candidate selection, breaker-checked dispatch
// with retry and failover, then usage tracking and write-through.
func (r *Router) CreateChatCompletion(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	defer r.inflight.Done()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("request requires at least one message")
	}

	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	r.countRequest()
	logger := observability.FromContext(ctx)

	if cached, err := r.cache.Get(ctx, req); err == nil {
		r.countCacheHit()
		r.events.Publish(ctx, "cache.hit", map[string]interface{}{
			"request_id": req.RequestID,
			"exact":      cached.Exact,
			"similarity": cached.SimilarityScore,
		})
		logger.Info("serving cached response",
			observability.String("request_id", req.RequestID),
			observability.Bool("exact", cached.Exact))
		return r.cachedResult(req, cached), nil
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		// A degraded cache never blocks dispatch.
		logger.Warn("cache lookup failed",
			observability.Error(err))
	}

	warn, err := r.tracker.CheckBudget(ctx, req.Priority)
	if err != nil {
		r.countFailure("")
		return nil, err
	}

	fingerprint := domain.Fingerprint(req)
	shared, err, _ := r.flight.Do(fingerprint, func() (interface{}, error) {
		return r.dispatch(ctx, req)
	})
	if err != nil {
		r.countFailure("")
		return nil, err
	}

	result := shared.(*domain.CompletionResult)
	if result.RequestID != req.RequestID {
		// A concurrent identical request won the flight. Hand this
		// caller its own copy so response mutation stays local.
		copied := *result
		copied.RequestID = req.RequestID
		result = &copied
	}
	result.BudgetWarn = result.BudgetWarn || warn

	r.countSuccess(result.Provider)
	r.events.Publish(ctx, "request.complete", map[string]interface{}{
		"request_id": result.RequestID,
		"provider":   result.Provider,
		"model":      result.Model,
		"latency_ms": result.LatencyMs,
		"cost":       result.Cost,
	})
	return result, nil
}

// dispatch walks the ordered candidate list, honoring breaker
// admission and concurrency limits, retrying each candidate per
// policy before failing over to the next.
func (r *Router) dispatch(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	candidates, err := r.balancer.Candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if !r.cfg.EnableFailover {
		candidates = candidates[:1]
	}

	r.events.Publish(ctx, "routing.decision", map[string]interface{}{
		"request_id": req.RequestID,
		"candidates": candidateNames(candidates),
	})

	logger := observability.FromContext(ctx)
	var attempts []domain.AttemptError

	for _, candidate := range candidates {
		brk := r.breakers.For(candidate.Provider)
		if r.cfg.EnableCircuitBreaker {
			if allowErr := brk.Allow(); allowErr != nil {
				attempts = append(attempts, domain.AttemptError{
					Provider: candidate.Provider,
					Err:      allowErr,
				})
				continue
			}
		}

		result, tried, dispatchErr := r.dispatchOne(ctx, req, candidate)
		if dispatchErr == nil {
			if r.cfg.EnableCircuitBreaker {
				brk.ReportSuccess()
			}
			r.finishSuccess(ctx, req, result)
			return result, nil
		}

		// One failure per attempted provider regardless of how many
		// retries it consumed. Local rejections (full queue, registry
		// misses, caller cancellation) never charge the breaker: they
		// say nothing about the backend.
		if r.cfg.EnableCircuitBreaker {
			if isProviderFailure(dispatchErr) {
				brk.ReportFailure()
			} else {
				brk.Release()
			}
		}
		attempts = append(attempts, domain.AttemptError{
			Provider: candidate.Provider,
			Attempts: tried,
			Err:      dispatchErr,
		})

		if errors.Is(dispatchErr, domain.ErrQueueFull) || errors.Is(dispatchErr, context.Canceled) {
			return nil, dispatchErr
		}
		if ctx.Err() != nil {
			break
		}

		logger.Warn("provider attempt failed, trying next candidate",
			observability.String("provider", candidate.Provider),
			observability.Error(dispatchErr))
	}

	return nil, &domain.AllProvidersError{Attempts: attempts}
}

// isProviderFailure reports whether an error is attributable to the
// backend. Only classified provider errors move the circuit.
func isProviderFailure(err error) bool {
	if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, context.Canceled) {
		return false
	}
	_, classified := domain.ErrorKindOf(err)
	return classified
}

func (r *Router) dispatchOne(ctx context.Context, req *domain.CompletionRequest, candidate balancer.Candidate) (*domain.CompletionResult, int, error) {
	provider, err := r.registry.Get(ctx, candidate.Provider)
	if err != nil {
		return nil, 0, err
	}

	release, err := r.limiter.Acquire(ctx, candidate.Provider)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	attemptReq := *req
	attemptReq.Model = candidate.Model
	attemptReq.Provider = candidate.Provider

	start := time.Now()
	result, tried, err := r.retryer.Execute(ctx, func(ctx context.Context) (*domain.CompletionResult, error) {
		return provider.Complete(ctx, &attemptReq)
	})
	if err != nil {
		return nil, tried, err
	}

	latency := time.Since(start)
	r.monitor.ObserveLatency(candidate.Provider, latency)

	result.RequestID = req.RequestID
	result.Provider = candidate.Provider
	if result.Model == "" {
		result.Model = candidate.Model
	}
	result.LatencyMs = latency.Milliseconds()
	return result, tried, nil
}

// finishSuccess records usage and writes the response through the
// cache. Neither step gates the response.
func (r *Router) finishSuccess(ctx context.Context, req *domain.CompletionRequest, result *domain.CompletionResult) {
	logger := observability.FromContext(ctx)

	cost, err := r.cost.Calculate(ctx, result.Model, result.Usage)
	if err != nil {
		logger.Warn("cost calculation failed",
			observability.String("model", result.Model),
			observability.Error(err))
	}
	result.Cost = cost

	record := domain.UsageRecord{
		RequestID:    result.RequestID,
		Provider:     result.Provider,
		Model:        result.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.TotalTokens,
		Cost:         cost,
		Success:      true,
		Timestamp:    time.Now(),
	}
	if err := r.tracker.Track(ctx, record); err != nil {
		logger.Warn("usage tracking failed",
			observability.String("request_id", result.RequestID),
			observability.Error(err))
	} else {
		r.events.Publish(ctx, "usage.tracked", map[string]interface{}{
			"request_id": result.RequestID,
			"provider":   result.Provider,
			"cost":       cost,
		})
	}

	cacheReq := *req
	cacheReq.Model = result.Model
	if err := r.cache.Set(ctx, &cacheReq, result, r.cfg.CacheTTL); err != nil {
		logger.Warn("cache write-through failed",
			observability.Error(err))
	}
}

// StreamChatCompletion dispatches a streaming completion. Streams
// bypass the cache in both directions; usage is recorded from the
// final chunk's token tally. Failover applies only before the first
// chunk, once a stream is open errors surface in-band.
func (r *Router) StreamChatCompletion(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if len(req.Messages) == 0 {
		r.inflight.Done()
		return nil, errors.New("request requires at least one message")
	}

	if _, err := r.tracker.CheckBudget(ctx, req.Priority); err != nil {
		r.inflight.Done()
		r.countFailure("")
		return nil, err
	}
	r.countRequest()

	candidates, err := r.balancer.Candidates(ctx, req)
	if err != nil {
		r.inflight.Done()
		r.countFailure("")
		return nil, err
	}
	if !r.cfg.EnableFailover {
		candidates = candidates[:1]
	}

	var attempts []domain.AttemptError
	for _, candidate := range candidates {
		brk := r.breakers.For(candidate.Provider)
		if r.cfg.EnableCircuitBreaker {
			if allowErr := brk.Allow(); allowErr != nil {
				attempts = append(attempts, domain.AttemptError{Provider: candidate.Provider, Err: allowErr})
				continue
			}
		}

		stream, streamErr := r.openStream(ctx, req, candidate)
		if streamErr == nil {
			return stream, nil
		}

		if r.cfg.EnableCircuitBreaker {
			if isProviderFailure(streamErr) {
				brk.ReportFailure()
			} else {
				brk.Release()
			}
		}
		attempts = append(attempts, domain.AttemptError{Provider: candidate.Provider, Err: streamErr})
	}

	r.inflight.Done()
	r.countFailure("")
	return nil, &domain.AllProvidersError{Attempts: attempts}
}

func (r *Router) openStream(ctx context.Context, req *domain.CompletionRequest, candidate balancer.Candidate) (<-chan domain.StreamChunk, error) {
	provider, err := r.registry.Get(ctx, candidate.Provider)
	if err != nil {
		return nil, err
	}
	release, err := r.limiter.Acquire(ctx, candidate.Provider)
	if err != nil {
		return nil, err
	}

	attemptReq := *req
	attemptReq.Model = candidate.Model
	attemptReq.Provider = candidate.Provider

	start := time.Now()
	upstream, err := provider.Stream(ctx, &attemptReq)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	go r.relayStream(ctx, req, candidate, upstream, out, release, start)
	return out, nil
}

// relayStream forwards chunks, then settles the breaker, usage record
// and counters from the stream outcome.
func (r *Router) relayStream(
	ctx context.Context,
	req *domain.CompletionRequest,
	candidate balancer.Candidate,
	upstream <-chan domain.StreamChunk,
	out chan<- domain.StreamChunk,
	release func(),
	start time.Time,
) {
	defer r.inflight.Done()
	defer release()
	defer close(out)

	// The admission from Allow settles exactly once. A client abort
	// mid-stream says nothing about the backend, so the fallback path
	// returns the slot without recording an outcome.
	brk := r.breakers.For(candidate.Provider)
	settled := false
	defer func() {
		if !settled && r.cfg.EnableCircuitBreaker {
			brk.Release()
		}
	}()

	var usage domain.Usage
	failed := false
	for chunk := range upstream {
		if chunk.Error != nil {
			failed = true
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if failed {
		settled = true
		if r.cfg.EnableCircuitBreaker {
			brk.ReportFailure()
		}
		r.countFailure(candidate.Provider)
		return
	}

	settled = true
	if r.cfg.EnableCircuitBreaker {
		brk.ReportSuccess()
	}
	latency := time.Since(start)
	r.monitor.ObserveLatency(candidate.Provider, latency)
	r.countSuccess(candidate.Provider)

	cost, err := r.cost.Calculate(ctx, candidate.Model, usage)
	if err != nil {
		cost = 0
	}
	record := domain.UsageRecord{
		RequestID:    req.RequestID,
		Provider:     candidate.Provider,
		Model:        candidate.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		Cost:         cost,
		Success:      true,
		Timestamp:    time.Now(),
	}
	if trackErr := r.tracker.Track(context.WithoutCancel(ctx), record); trackErr != nil {
		r.logger.Warn("usage tracking failed for stream",
			observability.String("request_id", req.RequestID),
			observability.Error(trackErr))
	}
}

// ProviderHealth reports per-provider health as seen by the monitor.
func (r *Router) ProviderHealth() map[string]health.ProviderStatus {
	return r.monitor.Snapshot()
}

// BreakerSnapshots exposes the circuit state of every provider seen so
// far.
func (r *Router) BreakerSnapshots() []breaker.Snapshot {
	return r.breakers.Snapshots()
}

// Stats returns the aggregate counter snapshot.
func (r *Router) Stats() *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers := make(map[string]*ProviderStats, len(r.stats.providers))
	for name, ps := range r.stats.providers {
		copied := *ps
		providers[name] = &copied
	}
	rate := 0.0
	if r.stats.total > 0 {
		rate = float64(r.stats.successes) / float64(r.stats.total)
	}
	return &Stats{
		TotalRequests: r.stats.total,
		Successes:     r.stats.successes,
		Failures:      r.stats.failures,
		CacheHits:     r.stats.cacheHits,
		SuccessRate:   rate,
		Queued:        r.limiter.Queued(),
		Providers:     providers,
	}
}

// Shutdown stops accepting work, waits for in-flight requests up to
// the context deadline and stops the health monitor.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.monitor.Stop()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("router drained")
	return nil
}

func (r *Router) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("router is shut down")
	}
	r.inflight.Add(1)
	return nil
}

func (r *Router) cachedResult(req *domain.CompletionRequest, cached *domain.CachedResponse) *domain.CompletionResult {
	result := *cached.Response
	result.RequestID = req.RequestID
	result.Cached = true
	result.LatencyMs = 0
	return &result
}

func (r *Router) countRequest() {
	r.mu.Lock()
	r.stats.total++
	r.mu.Unlock()
}

func (r *Router) countCacheHit() {
	r.mu.Lock()
	r.stats.cacheHits++
	r.stats.successes++
	r.mu.Unlock()
}

func (r *Router) countSuccess(provider string) {
	r.mu.Lock()
	r.stats.successes++
	ps := r.providerStats(provider)
	ps.Requests++
	ps.Successes++
	r.mu.Unlock()
}

func (r *Router) countFailure(provider string) {
	r.mu.Lock()
	r.stats.failures++
	if provider != "" {
		ps := r.providerStats(provider)
		ps.Requests++
		ps.Failures++
	}
	r.mu.Unlock()
}

// providerStats must be called with r.mu held.
func (r *Router) providerStats(provider string) *ProviderStats {
	ps, ok := r.stats.providers[provider]
	if !ok {
		ps = &ProviderStats{}
		r.stats.providers[provider] = ps
	}
	return ps
}

func candidateNames(candidates []balancer.Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Provider
	}
	return names
}
