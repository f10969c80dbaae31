package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/balancer"
	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/cache"
	cacheredis "github.com/davidbz/hestia/internal/cache/redis"
	"github.com/davidbz/hestia/internal/config"
	"github.com/davidbz/hestia/internal/domain"
	embeddingopenai "github.com/davidbz/hestia/internal/embedding/openai"
	"github.com/davidbz/hestia/internal/health"
	"github.com/davidbz/hestia/internal/httpserver"
	"github.com/davidbz/hestia/internal/httpserver/middleware"
	"github.com/davidbz/hestia/internal/ledger"
	"github.com/davidbz/hestia/internal/observability"
	"github.com/davidbz/hestia/internal/provider/anthropic"
	"github.com/davidbz/hestia/internal/provider/copilot"
	"github.com/davidbz/hestia/internal/provider/grok"
	"github.com/davidbz/hestia/internal/provider/openai"
	"github.com/davidbz/hestia/internal/provider/registry"
	"github.com/davidbz/hestia/internal/provider/vertex"
	"github.com/davidbz/hestia/internal/retry"
	"github.com/davidbz/hestia/internal/router"
	"github.com/davidbz/hestia/internal/tokenizer"
)

func main() {
	container := buildContainer()

	err := container.Invoke(func(
		server *httpserver.Server,
		rtr *router.Router,
		monitor *health.Monitor,
		tracker domain.UsageTracker,
		redisClient *goredis.Client,
		logger *zap.Logger,
	) {
		defer func() { _ = logger.Sync() }()
		monitor.Start()

		go func() {
			if serveErr := server.Start(); serveErr != nil {
				logger.Fatal("server failed", observability.Error(serveErr))
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("server shutdown failed", observability.Error(shutdownErr))
		}
		if drainErr := rtr.Shutdown(shutdownCtx); drainErr != nil {
			logger.Error("router drain failed", observability.Error(drainErr))
		}
		if closer, ok := tracker.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil {
				logger.Error("ledger close failed", observability.Error(closeErr))
			}
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			logger.Error("redis close failed", observability.Error(closeErr))
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

//nolint:funlen // wiring is intentionally linear
func buildContainer() *dig.Container {
	container := dig.New()

	provide := func(constructor interface{}, what string) {
		if err := container.Provide(constructor); err != nil {
			log.Fatalf("Failed to provide %s: %v", what, err)
		}
	}

	// Configuration
	provide(config.Load, "config")
	provide(config.ParseDependenciesConfig, "config dependencies")

	// Observability
	provide(observability.InitLogger, "logger")
	provide(func() *observability.EventBus {
		return observability.NewEventBus()
	}, "event bus")
	provide(func(bus *observability.EventBus) domain.EventPublisher {
		return bus
	}, "event publisher")

	// Pricing and cost
	provide(tokenizer.NewEstimator, "token estimator")
	provide(func() domain.PricingRegistry {
		return domain.NewInMemoryPricingRegistry()
	}, "pricing registry")
	provide(func(pricing domain.PricingRegistry, estimator *tokenizer.Estimator) domain.CostCalculator {
		return domain.NewStandardCostCalculator(pricing, estimator)
	}, "cost calculator")

	// Provider registry
	provide(func() domain.ProviderRegistry {
		return registry.NewRegistry()
	}, "provider registry")

	// Breakers, health, retry
	provide(func(cfg *config.BreakerConfig, logger *zap.Logger) *breaker.Set {
		return breaker.NewSet(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			Timeout:          time.Duration(cfg.TimeoutMs) * time.Millisecond,
			HalfOpenRequests: cfg.HalfOpenRequests,
		}, logger)
	}, "breaker set")
	provide(func(reg domain.ProviderRegistry, breakers *breaker.Set, cfg *config.HealthConfig, logger *zap.Logger) *health.Monitor {
		return health.NewMonitor(reg, breakers, health.Config{
			Interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
			Timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
		}, logger)
	}, "health monitor")
	provide(func(cfg *config.RetryConfig, logger *zap.Logger) *retry.Coordinator {
		return retry.NewCoordinator(retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: time.Duration(cfg.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			Multiplier:   cfg.BackoffMultiplier,
		}, logger)
	}, "retry coordinator")

	// Cache
	provide(func(cfg *config.RedisConfig) *goredis.Client {
		return goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}, "redis client")
	provide(func(fullCfg *config.Config, client *goredis.Client) (domain.ResponseCache, error) {
		store := cacheredis.NewStore(client)

		var embedder domain.EmbeddingGenerator
		var search domain.SimilaritySearch
		threshold := 0.0
		if fullCfg.Cache.SimilarityEnabled {
			gen, err := embeddingopenai.NewGenerator(fullCfg.Embedding)
			if err != nil {
				return nil, fmt.Errorf("build embedding generator: %w", err)
			}
			vs, err := cacheredis.NewVectorSearch(client, fullCfg.Cache.IndexName, "cache:vec:", gen.Dimension())
			if err != nil {
				return nil, fmt.Errorf("build vector search: %w", err)
			}
			embedder = gen
			search = vs
			threshold = fullCfg.Cache.SimilarityThreshold
		}

		return cache.NewEngine(cache.Config{
			MaxMemoryEntries:    fullCfg.Cache.MemoryMaxEntries,
			SimilarityThreshold: threshold,
		}, store, embedder, search), nil
	}, "response cache")

	// Ledger
	provide(func(cfg *config.BudgetConfig, events domain.EventPublisher, logger *zap.Logger) (domain.UsageTracker, error) {
		return ledger.New(ledger.Config{
			DSN:            cfg.LedgerPath,
			DailyLimit:     cfg.DailyLimit,
			MonthlyLimit:   cfg.MonthlyLimit,
			AlertThreshold: cfg.AlertThreshold,
			HardStop:       cfg.HardStop,
		}, events, logger)
	}, "usage ledger")

	// Balancer and limiter
	provide(func(fullCfg *config.Config, reg domain.ProviderRegistry, breakers *breaker.Set, monitor *health.Monitor, cost domain.CostCalculator, logger *zap.Logger) *balancer.Balancer {
		return balancer.New(balancer.Config{
			Strategy: fullCfg.Strategy(),
			Seed:     fullCfg.Routing.Seed,
		}, reg, breakers, monitor, cost, logger)
	}, "balancer")
	provide(func(cfg *config.LimitsConfig) *balancer.Limiter {
		return balancer.NewLimiter(balancer.LimiterConfig{
			MaxConcurrent:        cfg.MaxConcurrentRequests,
			QueueSize:            cfg.QueueSize,
			DefaultProviderLimit: cfg.DefaultProviderLimit,
		})
	}, "concurrency limiter")

	// Router
	provide(func(
		fullCfg *config.Config,
		reg domain.ProviderRegistry,
		responseCache domain.ResponseCache,
		bal *balancer.Balancer,
		limiter *balancer.Limiter,
		breakers *breaker.Set,
		retryer *retry.Coordinator,
		monitor *health.Monitor,
		tracker domain.UsageTracker,
		cost domain.CostCalculator,
		events domain.EventPublisher,
		logger *zap.Logger,
	) *router.Router {
		return router.New(router.Config{
			CacheTTL:             time.Duration(fullCfg.Cache.TTLSeconds) * time.Second,
			RequestTimeout:       time.Duration(fullCfg.Routing.RequestTimeoutMs) * time.Millisecond,
			EnableFailover:       fullCfg.Routing.EnableFailover,
			EnableCircuitBreaker: fullCfg.Routing.EnableCircuitBreaker,
		}, reg, responseCache, bal, limiter, breakers, retryer, monitor, tracker, cost, events, logger)
	}, "router")

	// HTTP layer
	provide(func(cfg *config.CORSConfig) middleware.Middleware {
		return middleware.BuildMiddlewareChain(cfg)
	}, "middleware chain")
	provide(httpserver.NewHandler, "HTTP handler")
	provide(httpserver.NewServer, "HTTP server")

	// Register providers and their pricing (invoked for side effects)
	if err := container.Invoke(registerProviders); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	return container
}

// registerProviders builds every enabled provider adapter and installs
// it in the registry with its routing profile and pricing table.
func registerProviders(
	fullCfg *config.Config,
	reg domain.ProviderRegistry,
	pricing domain.PricingRegistry,
	limiter *balancer.Limiter,
	logger *zap.Logger,
) error {
	ctx := context.Background()

	type entry struct {
		name    string
		enabled bool
		build   func() (domain.Provider, error)
		prices  map[string]domain.PricingConfig
		rank    int
		weight  float64
	}

	entries := []entry{
		{
			name:    "openai",
			enabled: fullCfg.OpenAI.Enabled && fullCfg.OpenAI.APIKey != "",
			build: func() (domain.Provider, error) {
				return openai.NewProvider(fullCfg.OpenAI)
			},
			prices: openai.Pricing(),
			rank:   fullCfg.OpenAI.Priority,
			weight: fullCfg.OpenAI.Weight,
		},
		{
			name:    "anthropic",
			enabled: fullCfg.Anthropic.Enabled && fullCfg.Anthropic.APIKey != "",
			build: func() (domain.Provider, error) {
				return anthropic.NewProvider(fullCfg.Anthropic)
			},
			prices: anthropic.Pricing(),
			rank:   fullCfg.Anthropic.Priority,
			weight: fullCfg.Anthropic.Weight,
		},
		{
			name:    "vertex",
			enabled: fullCfg.Vertex.Enabled && fullCfg.Vertex.APIKey != "",
			build: func() (domain.Provider, error) {
				return vertex.NewProvider(fullCfg.Vertex)
			},
			prices: vertex.Pricing(),
			rank:   fullCfg.Vertex.Priority,
			weight: fullCfg.Vertex.Weight,
		},
		{
			name:    "grok",
			enabled: fullCfg.Grok.Enabled && fullCfg.Grok.APIKey != "",
			build: func() (domain.Provider, error) {
				return grok.NewProvider(fullCfg.Grok)
			},
			prices: grok.Pricing(),
			rank:   fullCfg.Grok.Priority,
			weight: fullCfg.Grok.Weight,
		},
		{
			name:    "copilot",
			enabled: fullCfg.Copilot.Enabled && fullCfg.Copilot.Token != "",
			build: func() (domain.Provider, error) {
				return copilot.NewProvider(fullCfg.Copilot)
			},
			prices: copilot.Pricing(),
			rank:   fullCfg.Copilot.Priority,
			weight: fullCfg.Copilot.Weight,
		},
	}

	registered := 0
	for _, e := range entries {
		if !e.enabled {
			logger.Info("provider not configured, skipping",
				observability.String("provider", e.name))
			continue
		}

		provider, err := e.build()
		if err != nil {
			return fmt.Errorf("build %s provider: %w", e.name, err)
		}

		profile := domain.ProviderProfile{
			ID:               e.name,
			Weight:           e.weight,
			QualityRank:      e.rank,
			ConcurrencyLimit: fullCfg.Limits.DefaultProviderLimit,
			Pricing:          e.prices,
			Enabled:          true,
		}
		// SupportedModels iterates a map; sort so the default model for
		// hint-less requests stays stable across restarts.
		if models := provider.SupportedModels(ctx); len(models) > 0 {
			sort.Strings(models)
			profile.DefaultModel = models[0]
		}

		if err := reg.Register(ctx, provider, profile); err != nil {
			return fmt.Errorf("register %s provider: %w", e.name, err)
		}
		limiter.SetProviderLimit(e.name, profile.ConcurrencyLimit)

		for model, price := range e.prices {
			if err := pricing.RegisterPricing(ctx, model, price); err != nil {
				return fmt.Errorf("register pricing for %s: %w", model, err)
			}
		}

		logger.Info("provider registered",
			observability.String("provider", e.name),
			observability.Float64("weight", e.weight))
		registered++
	}

	if registered == 0 {
		logger.Warn("no providers configured, all requests will fail")
	}
	return nil
}
