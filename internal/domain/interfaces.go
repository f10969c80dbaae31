package domain

import (
	"context"
	"time"
)

// Provider represents any LLM provider backend.
//
// Adapters never retry internally: retry policy belongs solely to the
// retry coordinator, so a failed call surfaces exactly one classified
// *ProviderError.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// Stream sends a completion request and returns a stream of chunks.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// Healthcheck probes the backend and reports reachability and latency.
	Healthcheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels returns all models this provider supports.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers and their profiles.
type ProviderRegistry interface {
	// Register adds a provider with its routing profile. Registration
	// order is preserved and used for deterministic tie-breaking.
	Register(ctx context.Context, provider Provider, profile ProviderProfile) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// Profile returns the current profile for a provider.
	Profile(ctx context.Context, providerName string) (ProviderProfile, error)

	// List returns all provider names in registration order.
	List(ctx context.Context) ([]string, error)

	// Enabled returns enabled provider names in registration order.
	Enabled(ctx context.Context) ([]string, error)

	// GetByModel retrieves an enabled provider that supports the model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// SetEnabled toggles a provider. Admin-only mutation.
	SetEnabled(ctx context.Context, providerName string, enabled bool) error

	// SetWeight updates a provider's routing weight. Admin-only mutation.
	SetWeight(ctx context.Context, providerName string, weight float64) error
}

// ResponseCache is the two-tier response cache.
type ResponseCache interface {
	// Get returns a cached response by exact fingerprint, falling back
	// to similarity search when enabled. Returns ErrCacheMiss on miss.
	Get(ctx context.Context, req *CompletionRequest) (*CachedResponse, error)

	// Set stores a successful completion. Failures and cache hits are
	// never written back.
	Set(ctx context.Context, req *CompletionRequest, result *CompletionResult, ttl time.Duration) error

	// Stats returns cache performance metrics.
	Stats(ctx context.Context) (*CacheStats, error)
}

// EmbeddingGenerator creates vector embeddings from text.
type EmbeddingGenerator interface {
	// Generate creates a vector embedding from text.
	Generate(ctx context.Context, text string) ([]float64, error)

	// Name returns the generator identifier.
	Name() string

	// Dimension returns the vector dimension.
	Dimension() int
}

// SimilaritySearch performs vector similarity search operations.
type SimilaritySearch interface {
	// Search finds similar vectors above the threshold.
	Search(ctx context.Context, embedding []float64, threshold float64, limit int) ([]*SearchResult, error)

	// Index stores a vector with associated data.
	Index(ctx context.Context, key string, embedding []float64, data []byte, ttl time.Duration) error
}

// UsageTracker is the append-only usage ledger with budget windows.
type UsageTracker interface {
	// Track appends a usage record. Idempotent per request ID:
	// duplicates are no-ops and never double-count.
	Track(ctx context.Context, record UsageRecord) error

	// BudgetStatus aggregates the configured budget windows.
	BudgetStatus(ctx context.Context) (*BudgetStatus, error)

	// CheckBudget returns ErrBudgetExceeded when the hard stop is
	// active for a non-essential request, or flags soft-warn mode via
	// the returned bool.
	CheckBudget(ctx context.Context, priority Priority) (warn bool, err error)
}

// CostCalculator calculates cost based on token usage.
type CostCalculator interface {
	// Calculate returns the total cost for a given model and usage.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)

	// Estimate predicts the cost of a request before dispatch, for the
	// cost-based routing strategy.
	Estimate(ctx context.Context, req *CompletionRequest, model string) (float64, error)
}

// PricingRegistry maintains pricing information for models.
type PricingRegistry interface {
	// GetPricing returns pricing config for a model.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)

	// RegisterPricing adds pricing for a model.
	RegisterPricing(ctx context.Context, model string, config PricingConfig) error
}

// EventPublisher publishes events for observability. Emission is
// side-effect-only and never gates control flow.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}
