package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
	"github.com/davidbz/hestia/internal/router"
)

// Handler exposes the router over HTTP.
type Handler struct {
	router  *router.Router
	tracker domain.UsageTracker
	cache   domain.ResponseCache
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(rtr *router.Router, tracker domain.UsageTracker, cache domain.ResponseCache) *Handler {
	return &Handler{
		router:  rtr,
		tracker: tracker,
		cache:   cache,
	}
}

// HandleChatCompletion processes chat completion requests.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Provider != "" {
		ctx = observability.WithProvider(ctx, req.Provider)
	}
	if req.Priority != "" {
		ctx = observability.WithPriority(ctx, string(req.Priority))
	}
	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("completion request received",
		observability.String("provider", req.Provider),
		observability.String("model", req.Model),
		observability.Bool("stream", req.Stream),
	)

	if req.Stream {
		h.handleStream(ctx, w, &req)
		return
	}

	response, err := h.router.CreateChatCompletion(ctx, &req)
	if err != nil {
		logger.Error("completion failed", observability.Error(err))
		writeError(w, err)
		return
	}

	logger.Info("completion succeeded",
		observability.String("provider", response.Provider),
		observability.Int("tokens", response.Usage.TotalTokens),
		observability.Float64("cost", response.Cost),
	)
	writeJSON(w, http.StatusOK, response)
}

// routeRequest is the prompt-level request body.
type routeRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// HandleRoute processes single-prompt routing requests.
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	result, err := h.router.Route(ctx, req.Prompt, router.RouteOptions{
		Model:       req.Model,
		Provider:    req.Provider,
		Priority:    domain.Priority(req.Priority),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		observability.FromContext(ctx).Error("route failed", observability.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, req *domain.CompletionRequest) {
	logger := observability.FromContext(ctx)
	logger.Info("stream request started")

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	chunks, err := h.router.StreamChatCompletion(ctx, req)
	if err != nil {
		logger.Error("stream failed", observability.Error(err))
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			logger.Error("stream chunk error", observability.Error(chunk.Error))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", chunk.Error.Error())
			flusher.Flush()
			return
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		flusher.Flush()

		if chunk.Done {
			logger.Info("stream completed")
			break
		}
	}
}

// HandleHealth reports per-provider health and circuit state.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": h.router.ProviderHealth(),
		"breakers":  h.router.BreakerSnapshots(),
	})
}

// HandleStats reports aggregate routing and cache counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := h.cache.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"routing": h.router.Stats(),
		"cache":   cacheStats,
	})
}

// HandleBudget reports the budget window status.
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	status, err := h.tracker.BudgetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Status already written, nothing left to do.
		return
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, domain.ErrBudgetExceeded),
		errors.Is(err, domain.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAllProvidersUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		if kind, ok := domain.ErrorKindOf(err); ok {
			switch kind {
			case domain.ErrorKindAuth:
				status = http.StatusUnauthorized
			case domain.ErrorKindRateLimit:
				status = http.StatusTooManyRequests
			case domain.ErrorKindTimeout:
				status = http.StatusGatewayTimeout
			case domain.ErrorKindUnavailable, domain.ErrorKindInvalidResponse:
				status = http.StatusBadGateway
			}
		}
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
