package httpserver //nolint:testpackage // Need access to the unexported writeError mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/balancer"
	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/health"
	"github.com/davidbz/hestia/internal/provider/registry"
	"github.com/davidbz/hestia/internal/retry"
	"github.com/davidbz/hestia/internal/router"
)

type stubProvider struct {
	name        string
	completeErr error
}

func (s *stubProvider) Complete(_ context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return &domain.CompletionResult{
		ID:      "cmpl-1",
		Model:   req.Model,
		Content: "stub says hi",
		Usage:   domain.Usage{InputTokens: 5, OutputTokens: 7, TotalTokens: 12},
	}, nil
}

func (s *stubProvider) Stream(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 3)
	ch <- domain.StreamChunk{Delta: "stub "}
	ch <- domain.StreamChunk{Delta: "says hi"}
	ch <- domain.StreamChunk{Done: true, Usage: &domain.Usage{TotalTokens: 12}}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Healthcheck(_ context.Context) (*domain.HealthStatus, error) {
	return &domain.HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) Name() string                                      { return s.name }
func (s *stubProvider) IsModelSupported(_ context.Context, m string) bool { return m == "stub-model" }
func (s *stubProvider) SupportedModels(_ context.Context) []string        { return []string{"stub-model"} }

type stubCache struct{}

func (stubCache) Get(_ context.Context, _ *domain.CompletionRequest) (*domain.CachedResponse, error) {
	return nil, domain.ErrCacheMiss
}

func (stubCache) Set(_ context.Context, _ *domain.CompletionRequest, _ *domain.CompletionResult, _ time.Duration) error {
	return nil
}

func (stubCache) Stats(_ context.Context) (*domain.CacheStats, error) {
	return &domain.CacheStats{Hits: 3, Misses: 1}, nil
}

type stubTracker struct {
	mu       sync.Mutex
	checkErr error
	status   *domain.BudgetStatus
}

func (s *stubTracker) Track(_ context.Context, _ domain.UsageRecord) error { return nil }

func (s *stubTracker) BudgetStatus(_ context.Context) (*domain.BudgetStatus, error) {
	if s.status != nil {
		return s.status, nil
	}
	return &domain.BudgetStatus{}, nil
}

func (s *stubTracker) CheckBudget(_ context.Context, _ domain.Priority) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return false, s.checkErr
}

type stubCost struct{}

func (stubCost) Calculate(_ context.Context, _ string, _ domain.Usage) (float64, error) {
	return 0.01, nil
}
func (stubCost) Estimate(_ context.Context, _ *domain.CompletionRequest, _ string) (float64, error) {
	return 0, nil
}

type stubEvents struct{}

func (stubEvents) Publish(_ context.Context, _ string, _ map[string]interface{}) {}

func newTestHandler(t *testing.T, provider *stubProvider, tracker *stubTracker) *Handler {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), provider, domain.ProviderProfile{
		ID: provider.name, Enabled: true, DefaultModel: "stub-model",
	}))

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Hour, HalfOpenRequests: 1,
	}, logger)
	monitor := health.NewMonitor(reg, breakers, health.Config{Interval: time.Hour}, logger)
	bal := balancer.New(balancer.Config{Strategy: balancer.StrategyOrdered}, reg, breakers, monitor, stubCost{}, logger)
	limiter := balancer.NewLimiter(balancer.LimiterConfig{MaxConcurrent: 4, QueueSize: 4})
	retryer := retry.NewCoordinator(retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond}, logger).
		WithSleep(func(_ context.Context, _ time.Duration) error { return nil })

	rtr := router.New(router.Config{EnableFailover: true, EnableCircuitBreaker: true},
		reg, stubCache{}, bal, limiter, breakers, retryer, monitor, tracker, stubCost{}, stubEvents{}, logger)
	return NewHandler(rtr, tracker, stubCache{})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleChatCompletion(t *testing.T) {
	t.Run("should return the completion", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		w := postJSON(t, h.HandleChatCompletion, "/v1/chat/completions", domain.CompletionRequest{
			Model:    "stub-model",
			Messages: []domain.Message{{Role: "user", Content: "Hello"}},
		})

		require.Equal(t, http.StatusOK, w.Code)
		var result domain.CompletionResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		require.Equal(t, "stub says hi", result.Content)
		require.Equal(t, "stub", result.Provider)
		require.Equal(t, 12, result.Usage.TotalTokens)
	})

	t.Run("should reject non-POST methods", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
		w := httptest.NewRecorder()
		h.HandleChatCompletion(w, req)

		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		h.HandleChatCompletion(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should map budget exhaustion to 429", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{checkErr: domain.ErrBudgetExceeded})

		w := postJSON(t, h.HandleChatCompletion, "/v1/chat/completions", domain.CompletionRequest{
			Model:    "stub-model",
			Messages: []domain.Message{{Role: "user", Content: "Hello"}},
		})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("should map provider exhaustion to 502", func(t *testing.T) {
		failing := &stubProvider{
			name:        "stub",
			completeErr: domain.NewProviderError("stub", domain.ErrorKindUnavailable, errors.New("down")),
		}
		h := newTestHandler(t, failing, &stubTracker{})

		w := postJSON(t, h.HandleChatCompletion, "/v1/chat/completions", domain.CompletionRequest{
			Model:    "stub-model",
			Messages: []domain.Message{{Role: "user", Content: "Hello"}},
		})

		require.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("should stream SSE frames", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		w := postJSON(t, h.HandleChatCompletion, "/v1/chat/completions", domain.CompletionRequest{
			Model:    "stub-model",
			Stream:   true,
			Messages: []domain.Message{{Role: "user", Content: "Hello"}},
		})

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		body := w.Body.String()
		require.Contains(t, body, `data: {"delta":"stub "`)
		require.Contains(t, body, `"done":true`)
	})
}

func TestHandleRoute(t *testing.T) {
	t.Run("should route a bare prompt", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		w := postJSON(t, h.HandleRoute, "/v1/route", routeRequest{Prompt: "Hello"})

		require.Equal(t, http.StatusOK, w.Code)
		var result router.RouteResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		require.Equal(t, "stub says hi", result.Response)
		require.Equal(t, "stub", result.Provider)
		require.Equal(t, "stub-model", result.Model)
	})

	t.Run("should require a prompt", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

		w := postJSON(t, h.HandleRoute, "/v1/route", routeRequest{})

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.HandleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleStats(t *testing.T) {
	h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	h.HandleStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Cache domain.CacheStats `json:"cache"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.EqualValues(t, 3, body.Cache.Hits)
}

func TestHandleBudget(t *testing.T) {
	h := newTestHandler(t, &stubProvider{name: "stub"}, &stubTracker{
		status: &domain.BudgetStatus{
			Daily: &domain.BudgetWindowStatus{Period: domain.BudgetDaily, Limit: 100, Consumed: 40},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/budget", nil)
	w := httptest.NewRecorder()
	h.HandleBudget(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status domain.BudgetStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.NotNil(t, status.Daily)
	require.InDelta(t, 40, status.Daily.Consumed, 0.0001)
}

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"budget exceeded", domain.ErrBudgetExceeded, http.StatusTooManyRequests},
		{"queue full", domain.ErrQueueFull, http.StatusTooManyRequests},
		{"all providers down", &domain.AllProvidersError{}, http.StatusBadGateway},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"auth failure", domain.NewProviderError("p", domain.ErrorKindAuth, errors.New("bad key")), http.StatusUnauthorized},
		{"rate limited", domain.NewProviderError("p", domain.ErrorKindRateLimit, errors.New("slow down")), http.StatusTooManyRequests},
		{"provider timeout", domain.NewProviderError("p", domain.ErrorKindTimeout, errors.New("timeout")), http.StatusGatewayTimeout},
		{"invalid response", domain.NewProviderError("p", domain.ErrorKindInvalidResponse, errors.New("garbled")), http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tc.err)
			require.Equal(t, tc.status, w.Code)
		})
	}
}
