package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/hestia/internal/balancer"
	"github.com/davidbz/hestia/internal/embedding/openai"
	"github.com/davidbz/hestia/internal/provider/anthropic"
	"github.com/davidbz/hestia/internal/provider/copilot"
	"github.com/davidbz/hestia/internal/provider/grok"
	provideropenai "github.com/davidbz/hestia/internal/provider/openai"
	"github.com/davidbz/hestia/internal/provider/vertex"
)

// Config represents the gateway configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Routing   RoutingConfig
	Breaker   BreakerConfig
	Retry     RetryConfig
	Limits    LimitsConfig
	Health    HealthConfig
	Cache     CacheConfig
	Budget    BudgetConfig
	Redis     RedisConfig
	Embedding openai.Config

	OpenAI    provideropenai.Config
	Anthropic anthropic.Config
	Vertex    vertex.Config
	Grok      grok.Config
	Copilot   copilot.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"30"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// RoutingConfig selects the dispatch strategy and feature toggles.
type RoutingConfig struct {
	Strategy             string `env:"ROUTING_STRATEGY"        envDefault:"round_robin"`
	EnableFailover       bool   `env:"ENABLE_FAILOVER"         envDefault:"true"`
	EnableLoadBalancing  bool   `env:"ENABLE_LOAD_BALANCING"   envDefault:"true"`
	EnableCircuitBreaker bool   `env:"ENABLE_CIRCUIT_BREAKER"  envDefault:"true"`
	RequestTimeoutMs     int    `env:"REQUEST_TIMEOUT_MS"      envDefault:"120000"`
	// Seed fixes weighted selection for reproducible runs. Zero seeds
	// from the clock.
	Seed int64 `env:"ROUTING_SEED" envDefault:"0"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD"  envDefault:"5"`
	SuccessThreshold int `env:"BREAKER_SUCCESS_THRESHOLD"  envDefault:"2"`
	TimeoutMs        int `env:"BREAKER_TIMEOUT_MS"         envDefault:"30000"`
	HalfOpenRequests int `env:"BREAKER_HALF_OPEN_REQUESTS" envDefault:"1"`
}

// RetryConfig contains backoff policy settings.
type RetryConfig struct {
	MaxRetries        int     `env:"RETRY_MAX_RETRIES"        envDefault:"2"`
	InitialDelayMs    int     `env:"RETRY_INITIAL_DELAY_MS"   envDefault:"500"`
	MaxDelayMs        int     `env:"RETRY_MAX_DELAY_MS"       envDefault:"30000"`
	BackoffMultiplier float64 `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
}

// LimitsConfig bounds concurrency and queueing.
type LimitsConfig struct {
	MaxConcurrentRequests int64 `env:"MAX_CONCURRENT_REQUESTS"  envDefault:"64"`
	QueueSize             int64 `env:"QUEUE_SIZE"               envDefault:"128"`
	DefaultProviderLimit  int64 `env:"PROVIDER_CONCURRENCY"     envDefault:"16"`
}

// HealthConfig contains health monitor settings.
type HealthConfig struct {
	IntervalMs int `env:"HEALTH_INTERVAL_MS" envDefault:"30000"`
	TimeoutMs  int `env:"HEALTH_TIMEOUT_MS"  envDefault:"5000"`
}

// CacheConfig contains two-tier cache settings.
type CacheConfig struct {
	TTLSeconds          int     `env:"CACHE_TTL_SECONDS"          envDefault:"3600"`
	MemoryMaxEntries    int     `env:"CACHE_MEMORY_MAX_ENTRIES"   envDefault:"1024"`
	SimilarityEnabled   bool    `env:"CACHE_SIMILARITY_ENABLED"   envDefault:"false"`
	SimilarityThreshold float64 `env:"CACHE_SIMILARITY_THRESHOLD" envDefault:"0.95"`
	IndexName           string  `env:"CACHE_INDEX_NAME"           envDefault:"hestia_cache_idx"`
}

// BudgetConfig contains budget window settings in USD.
type BudgetConfig struct {
	DailyLimit     float64 `env:"BUDGET_DAILY_LIMIT"     envDefault:"0"`
	MonthlyLimit   float64 `env:"BUDGET_MONTHLY_LIMIT"   envDefault:"0"`
	AlertThreshold float64 `env:"BUDGET_ALERT_THRESHOLD" envDefault:"0.8"`
	HardStop       bool    `env:"BUDGET_HARD_STOP"       envDefault:"false"`
	LedgerPath     string  `env:"LEDGER_PATH"            envDefault:"hestia.db"`
}

// RedisConfig contains persistent cache tier settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// DepConfig is used for dependency injection with dig. Fields carry
// names because the provider config types all share the same
// unqualified name; dig resolves them by type regardless.
type DepConfig struct {
	dig.Out

	ServerConfig  *ServerConfig
	CORSConfig    *CORSConfig
	RoutingConfig *RoutingConfig
	BreakerConfig *BreakerConfig
	RetryConfig   *RetryConfig
	LimitsConfig  *LimitsConfig
	HealthConfig  *HealthConfig
	CacheConfig   *CacheConfig
	BudgetConfig  *BudgetConfig
	RedisConfig   *RedisConfig

	EmbeddingConfig *openai.Config
	OpenAIConfig    *provideropenai.Config
	AnthropicConfig *anthropic.Config
	VertexConfig    *vertex.Config
	GrokConfig      *grok.Config
	CopilotConfig   *copilot.Config
}

// Load loads environment files and parses configuration.
func Load() (*Config, error) {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if !balancer.Strategy(c.Routing.Strategy).Valid() {
		return fmt.Errorf("unknown routing strategy %q", c.Routing.Strategy)
	}
	if c.Budget.AlertThreshold <= 0 || c.Budget.AlertThreshold > 1 {
		return fmt.Errorf("budget alert threshold must be in (0, 1], got %v", c.Budget.AlertThreshold)
	}
	if c.Cache.SimilarityEnabled && (c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1) {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	return nil
}

// Strategy resolves the effective candidate-ordering strategy,
// falling back to registration order when load balancing is disabled.
func (c *Config) Strategy() balancer.Strategy {
	if !c.Routing.EnableLoadBalancing {
		return balancer.StrategyOrdered
	}
	return balancer.Strategy(c.Routing.Strategy)
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		ServerConfig:    &cfg.Server,
		CORSConfig:      &cfg.CORS,
		RoutingConfig:   &cfg.Routing,
		BreakerConfig:   &cfg.Breaker,
		RetryConfig:     &cfg.Retry,
		LimitsConfig:    &cfg.Limits,
		HealthConfig:    &cfg.Health,
		CacheConfig:     &cfg.Cache,
		BudgetConfig:    &cfg.Budget,
		RedisConfig:     &cfg.Redis,
		EmbeddingConfig: &cfg.Embedding,
		OpenAIConfig:    &cfg.OpenAI,
		AnthropicConfig: &cfg.Anthropic,
		VertexConfig:    &cfg.Vertex,
		GrokConfig:      &cfg.Grok,
		CopilotConfig:   &cfg.Copilot,
	}
}
