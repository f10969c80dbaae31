package domain

import "time"

// CompletionRequest represents a unified LLM request.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Provider    string            `json:"provider,omitempty"` // explicit provider override
	Priority    Priority          `json:"priority,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Priority classifies a request for budget enforcement. Essential
// requests are still dispatched when a hard budget stop is active.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityEssential Priority = "essential"
)

// CompletionResult represents a unified LLM response.
type CompletionResult struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Content    string    `json:"content"`
	Usage      Usage     `json:"usage"`
	Cost       float64   `json:"cost"`
	LatencyMs  int64     `json:"latency_ms"`
	Cached     bool      `json:"cached"`
	BudgetWarn bool      `json:"budget_warn,omitempty"` // soft-warn mode flag
	FinishTime time.Time `json:"finish_time"`
}

// StreamChunk represents a single streaming response chunk.
type StreamChunk struct {
	Delta string `json:"delta"`
	Usage *Usage `json:"usage,omitempty"` // present on the final chunk when known
	Done  bool   `json:"done"`
	Error error  `json:"error,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// HealthStatus reports the outcome of a provider probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// CachedResponse represents a cached completion result with metadata.
type CachedResponse struct {
	Response        *CompletionResult
	CachedAt        time.Time
	Exact           bool // exact fingerprint match vs similarity match
	SimilarityScore float64
}

// SearchResult represents a vector search result.
type SearchResult struct {
	Key        string
	Similarity float64
	Data       []byte
	IndexedAt  time.Time
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	SimilarityHits int64 `json:"similarity_hits"`
	MemoryEntries  int   `json:"memory_entries"`
}

// UsageRecord is a single append-only ledger entry.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}

// BudgetPeriod defines the time window for a budget limit.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// BudgetWindowStatus is a snapshot of one budget window.
type BudgetWindowStatus struct {
	Period         BudgetPeriod `json:"period"`
	Limit          float64      `json:"limit"`
	Consumed       float64      `json:"consumed"`
	AlertThreshold float64      `json:"alert_threshold"`
	Triggered      bool         `json:"alert_triggered"`
	WindowStart    time.Time    `json:"window_start"`
}

// BudgetStatus aggregates all configured budget windows.
type BudgetStatus struct {
	Daily   *BudgetWindowStatus `json:"daily,omitempty"`
	Monthly *BudgetWindowStatus `json:"monthly,omitempty"`
}
