package balancer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/health"
	"github.com/davidbz/hestia/internal/observability"
)

// Strategy selects how candidate providers are ordered before dispatch.
type Strategy string

const (
	StrategyCost        Strategy = "cost"
	StrategyPerformance Strategy = "performance"
	StrategyQuality     Strategy = "quality"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyWeighted    Strategy = "weighted"
	// StrategyOrdered keeps registration order. Used when load
	// balancing is disabled so routing stays deterministic.
	StrategyOrdered Strategy = "ordered"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCost, StrategyPerformance, StrategyQuality, StrategyRoundRobin, StrategyWeighted, StrategyOrdered:
		return true
	}
	return false
}

// Candidate is a provider paired with the model the request would run
// under on that provider.
type Candidate struct {
	Provider string
	Model    string
}

// Config controls candidate ordering.
type Config struct {
	Strategy Strategy
	// Seed makes weighted selection reproducible. Zero seeds from the
	// current time.
	Seed int64
}

// Balancer orders eligible providers for a request according to the
// configured strategy. Providers whose circuit is open are excluded;
// half-open providers stay in the list and are admission-checked at
// dispatch time.
type Balancer struct {
	cfg      Config
	registry domain.ProviderRegistry
	breakers *breaker.Set
	monitor  *health.Monitor
	cost     domain.CostCalculator
	logger   *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	rrIndex uint64
}

func New(cfg Config, registry domain.ProviderRegistry, breakers *breaker.Set, monitor *health.Monitor, cost domain.CostCalculator, logger *zap.Logger) *Balancer {
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyRoundRobin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Balancer{
		cfg:      cfg,
		registry: registry,
		breakers: breakers,
		monitor:  monitor,
		cost:     cost,
		logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Candidates returns providers able to serve req, ordered by the
// configured strategy. A provider override in the request pins the
// candidate list to that single provider regardless of strategy.
func (b *Balancer) Candidates(ctx context.Context, req *domain.CompletionRequest) ([]Candidate, error) {
	if req.Provider != "" {
		return b.pinned(ctx, req)
	}

	names, err := b.registry.Enabled(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []candidate
	for i, name := range names {
		if b.breakers.For(name).State() == breaker.StateOpen {
			continue
		}
		model, ok := b.resolveModel(ctx, name, req.Model)
		if !ok {
			continue
		}
		eligible = append(eligible, candidate{name: name, model: model, regIndex: i})
	}
	if len(eligible) == 0 {
		return nil, &domain.AllProvidersError{}
	}

	ordered, err := b.order(ctx, req, eligible)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(ordered))
	for i, c := range ordered {
		out[i] = Candidate{Provider: c.name, Model: c.model}
	}
	b.logger.Debug("candidates ordered",
		observability.String("strategy", string(b.cfg.Strategy)),
		observability.Int("count", len(out)),
		observability.String("first", out[0].Provider))
	return out, nil
}

func (b *Balancer) pinned(ctx context.Context, req *domain.CompletionRequest) ([]Candidate, error) {
	if _, err := b.registry.Get(ctx, req.Provider); err != nil {
		return nil, err
	}
	profile, err := b.registry.Profile(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, &domain.AllProvidersError{}
	}
	if b.breakers.For(req.Provider).State() == breaker.StateOpen {
		return nil, &domain.AllProvidersError{Attempts: []domain.AttemptError{{
			Provider: req.Provider,
			Err:      domain.ErrCircuitOpen,
		}}}
	}
	model, ok := b.resolveModel(ctx, req.Provider, req.Model)
	if !ok {
		return nil, &domain.AllProvidersError{}
	}
	return []Candidate{{Provider: req.Provider, Model: model}}, nil
}

// resolveModel picks the model a provider would serve the request
// under: the request's own model when supported, otherwise the
// provider's default. Returns false when neither applies.
func (b *Balancer) resolveModel(ctx context.Context, providerName, requested string) (string, bool) {
	provider, err := b.registry.Get(ctx, providerName)
	if err != nil {
		return "", false
	}
	if requested != "" {
		if provider.IsModelSupported(ctx, requested) {
			return requested, true
		}
		return "", false
	}
	profile, err := b.registry.Profile(ctx, providerName)
	if err != nil {
		return "", false
	}
	if profile.DefaultModel != "" {
		return profile.DefaultModel, true
	}
	models := provider.SupportedModels(ctx)
	if len(models) == 0 {
		return "", false
	}
	return models[0], true
}

type candidate struct {
	name     string
	model    string
	regIndex int
	sortKey  float64
}

func (b *Balancer) order(ctx context.Context, req *domain.CompletionRequest, cands []candidate) ([]candidate, error) {
	switch b.cfg.Strategy {
	case StrategyCost:
		for i := range cands {
			estimate, err := b.cost.Estimate(ctx, req, cands[i].model)
			if err != nil {
				estimate = 0
			}
			cands[i].sortKey = estimate
		}
		stableSortByKey(cands)
	case StrategyPerformance:
		for i := range cands {
			cands[i].sortKey = float64(b.monitor.P50(cands[i].name))
		}
		stableSortByKey(cands)
	case StrategyQuality:
		for i := range cands {
			profile, err := b.registry.Profile(ctx, cands[i].name)
			if err != nil {
				return nil, err
			}
			cands[i].sortKey = float64(profile.QualityRank)
		}
		stableSortByKey(cands)
	case StrategyRoundRobin:
		b.mu.Lock()
		offset := int(b.rrIndex % uint64(len(cands)))
		b.rrIndex++
		b.mu.Unlock()
		rotated := make([]candidate, 0, len(cands))
		rotated = append(rotated, cands[offset:]...)
		rotated = append(rotated, cands[:offset]...)
		cands = rotated
	case StrategyWeighted:
		cands = b.weightedOrder(ctx, cands)
	}
	return cands, nil
}

// stableSortByKey sorts ascending by sortKey, ties broken by
// registration order.
func stableSortByKey(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].sortKey != cands[j].sortKey {
			return cands[i].sortKey < cands[j].sortKey
		}
		return cands[i].regIndex < cands[j].regIndex
	})
}

// weightedOrder draws providers without replacement, each draw
// proportional to the remaining weights. Zero or negative weights are
// treated as a minimal positive weight so every provider stays
// reachable as a failover target.
func (b *Balancer) weightedOrder(ctx context.Context, cands []candidate) []candidate {
	weights := make([]float64, len(cands))
	for i, c := range cands {
		w := 1.0
		if profile, err := b.registry.Profile(ctx, c.name); err == nil && profile.Weight > 0 {
			w = profile.Weight
		}
		weights[i] = w
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]candidate, 0, len(cands))
	remaining := append([]candidate(nil), cands...)
	for len(remaining) > 0 {
		total := 0.0
		for i := range remaining {
			total += weights[i]
		}
		target := b.rng.Float64() * total
		picked := len(remaining) - 1
		acc := 0.0
		for i := range remaining {
			acc += weights[i]
			if target < acc {
				picked = i
				break
			}
		}
		ordered = append(ordered, remaining[picked])
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		weights = append(weights[:picked], weights[picked+1:]...)
	}
	return ordered
}
