// Package health runs periodic provider probes and keeps rolling
// latency metrics. Probe outcomes feed the circuit breakers; latency
// percentiles feed the performance-based routing strategy.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

const latencyWindowSize = 64

// Config holds health monitor settings.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	Healthy     bool          `json:"healthy"`
	LatencyP50  time.Duration `json:"latency_p50"`
	LastChecked time.Time     `json:"last_checked"`
	LastError   string        `json:"last_error,omitempty"`
}

// Monitor probes registered providers on a fixed interval.
type Monitor struct {
	registry domain.ProviderRegistry
	breakers *breaker.Set
	config   Config
	logger   *zap.Logger

	mu        sync.RWMutex
	statuses  map[string]ProviderStatus
	latencies map[string]*latencyWindow

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor. Call Start to begin probing.
func NewMonitor(registry domain.ProviderRegistry, breakers *breaker.Set, config Config, logger *zap.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Monitor{
		registry:  registry,
		breakers:  breakers,
		config:    config,
		logger:    logger,
		statuses:  make(map[string]ProviderStatus),
		latencies: make(map[string]*latencyWindow),
	}
}

// Start launches the background probe loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// ObserveLatency feeds a request-path latency sample into the rolling
// window, so routing reacts to real traffic between probes.
func (m *Monitor) ObserveLatency(provider string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window(provider).add(latency)
}

// P50 returns the rolling median latency for a provider.
func (m *Monitor) P50(provider string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.latencies[provider]
	if !exists {
		return 0
	}
	return w.p50()
}

// Snapshot returns the current view of every probed provider.
// Providers not yet probed are absent: routing stays optimistic until
// a probe says otherwise.
func (m *Monitor) Snapshot() map[string]ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(m.statuses))
	for provider, status := range m.statuses {
		status.LatencyP50 = m.latencies[provider].p50()
		out[provider] = status
	}
	return out
}

// Status returns one provider's snapshot.
func (m *Monitor) Status(provider string) (ProviderStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[provider]
	if exists {
		status.LatencyP50 = m.latencies[provider].p50()
	}
	return status, exists
}

func (m *Monitor) probeAll(ctx context.Context) {
	names, err := m.registry.List(ctx)
	if err != nil {
		return
	}

	for _, name := range names {
		provider, getErr := m.registry.Get(ctx, name)
		if getErr != nil {
			continue
		}
		m.probe(ctx, provider)
	}
}

func (m *Monitor) probe(ctx context.Context, provider domain.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	status, err := provider.Healthcheck(probeCtx)

	name := provider.Name()
	result := ProviderStatus{
		Healthy:     err == nil && status != nil && status.Healthy,
		LastChecked: time.Now(),
	}
	if err != nil {
		result.LastError = err.Error()
	}

	m.mu.Lock()
	m.statuses[name] = result
	if status != nil && status.Latency > 0 {
		m.window(name).add(status.Latency)
	}
	m.mu.Unlock()

	// Probe outcomes feed the provider's breaker so recovery is
	// detected even without live traffic. Each report holds its own
	// admission, so probes never outnumber the half-open budget
	// alongside live requests.
	brk := m.breakers.For(name)
	if allowErr := brk.Allow(); allowErr == nil {
		if result.Healthy {
			brk.ReportSuccess()
		} else {
			brk.ReportFailure()
		}
	}
	if !result.Healthy {
		m.logger.Warn("provider probe failed",
			observability.String("provider", name),
			observability.String("error", result.LastError),
		)
	}
}

// window must be called with the mutex held.
func (m *Monitor) window(provider string) *latencyWindow {
	w, exists := m.latencies[provider]
	if !exists {
		w = &latencyWindow{}
		m.latencies[provider] = w
	}
	return w
}

// latencyWindow is a fixed-size ring of latency samples.
type latencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	next    int
	filled  int
}

func (w *latencyWindow) add(latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = latency
	w.next = (w.next + 1) % latencyWindowSize
	if w.filled < latencyWindowSize {
		w.filled++
	}
}

func (w *latencyWindow) p50() time.Duration {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == 0 {
		return 0
	}

	sorted := make([]time.Duration, w.filled)
	copy(sorted, w.samples[:w.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[w.filled/2]
}
