package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/breaker"
	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/health"
	"github.com/davidbz/hestia/internal/provider/registry"
)

type probeProvider struct {
	name string

	mu      sync.Mutex
	healthy bool
	latency time.Duration
	err     error
	probes  int
}

func (p *probeProvider) Healthcheck(_ context.Context) (*domain.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.err != nil {
		return nil, p.err
	}
	return &domain.HealthStatus{Healthy: p.healthy, Latency: p.latency}, nil
}

func (p *probeProvider) set(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
	p.err = err
}

func (p *probeProvider) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func (p *probeProvider) Complete(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResult, error) {
	return nil, errors.New("not implemented")
}

func (p *probeProvider) Stream(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *probeProvider) Name() string                                      { return p.name }
func (p *probeProvider) IsModelSupported(_ context.Context, _ string) bool { return true }
func (p *probeProvider) SupportedModels(_ context.Context) []string        { return []string{"m"} }

func newTestMonitor(t *testing.T, providers ...*probeProvider) (*health.Monitor, *breaker.Set) {
	t.Helper()
	reg := registry.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(context.Background(), p, domain.ProviderProfile{
			ID: p.name, Enabled: true,
		}))
	}
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, HalfOpenRequests: 1,
	}, zap.NewNop())
	return health.NewMonitor(reg, breakers, health.Config{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
	}, zap.NewNop()), breakers
}

func TestMonitor_ProbesAllProviders(t *testing.T) {
	alpha := &probeProvider{name: "alpha", healthy: true, latency: 20 * time.Millisecond}
	beta := &probeProvider{name: "beta", err: errors.New("connection refused")}
	monitor, _ := newTestMonitor(t, alpha, beta)

	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return len(monitor.Snapshot()) == 2
	}, time.Second, time.Millisecond)

	snapshot := monitor.Snapshot()
	require.True(t, snapshot["alpha"].Healthy)
	require.False(t, snapshot["beta"].Healthy)
	require.Contains(t, snapshot["beta"].LastError, "connection refused")
	require.False(t, snapshot["alpha"].LastChecked.IsZero())
}

func TestMonitor_ProbeOutcomesFeedBreakers(t *testing.T) {
	flaky := &probeProvider{name: "flaky", err: errors.New("down")}
	monitor, breakers := newTestMonitor(t, flaky)

	monitor.Start()
	defer monitor.Stop()

	t.Run("should trip the breaker on repeated failed probes", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return breakers.For("flaky").Snapshot().State == breaker.StateOpen
		}, time.Second, time.Millisecond)
	})

	t.Run("should close the breaker once probes recover", func(t *testing.T) {
		breakers.For("flaky").Reset()
		flaky.set(true, nil)
		before := flaky.probeCount()
		require.Eventually(t, func() bool {
			return flaky.probeCount() > before &&
				breakers.For("flaky").State() == breaker.StateClosed
		}, time.Second, time.Millisecond)
	})
}

func TestMonitor_ProbeHoldsItsOwnHalfOpenSlot(t *testing.T) {
	alpha := &probeProvider{name: "alpha", healthy: true}
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), alpha, domain.ProviderProfile{
		ID: "alpha", Enabled: true,
	}))
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond, HalfOpenRequests: 1,
	}, zap.NewNop())
	monitor := health.NewMonitor(reg, breakers, health.Config{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
	}, zap.NewNop())

	brk := breakers.For("alpha")
	brk.ReportFailure()
	time.Sleep(5 * time.Millisecond)

	// A live request holds the only half-open slot.
	require.NoError(t, brk.Allow())

	monitor.Start()
	defer monitor.Stop()

	before := alpha.probeCount()
	require.Eventually(t, func() bool {
		return alpha.probeCount() > before+2
	}, time.Second, time.Millisecond)

	snap := brk.Snapshot()
	require.Equal(t, breaker.StateHalfOpen, snap.State)
	require.Equal(t, 1, snap.HalfOpenInFlight, "probe must not settle a slot held by a live request")
	require.Zero(t, snap.ConsecutiveSuccesses)

	t.Run("should close the breaker via probes once the live request settles", func(t *testing.T) {
		brk.ReportSuccess()
		require.Eventually(t, func() bool {
			return brk.State() == breaker.StateClosed
		}, time.Second, time.Millisecond)
	})
}

func TestMonitor_ObserveLatencyFeedsP50(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	require.Zero(t, monitor.P50("alpha"))

	monitor.ObserveLatency("alpha", 10*time.Millisecond)
	monitor.ObserveLatency("alpha", 30*time.Millisecond)
	monitor.ObserveLatency("alpha", 20*time.Millisecond)

	require.Equal(t, 20*time.Millisecond, monitor.P50("alpha"))
}

func TestMonitor_P50UsesRollingWindow(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	// Fill the window with slow samples, then push enough fast ones to
	// roll them out.
	for i := 0; i < 64; i++ {
		monitor.ObserveLatency("alpha", time.Second)
	}
	for i := 0; i < 64; i++ {
		monitor.ObserveLatency("alpha", time.Millisecond)
	}

	require.Equal(t, time.Millisecond, monitor.P50("alpha"))
}

func TestMonitor_StatusUnknownProvider(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	_, exists := monitor.Status("ghost")
	require.False(t, exists)
}

func TestMonitor_StopHaltsProbing(t *testing.T) {
	alpha := &probeProvider{name: "alpha", healthy: true}
	monitor, _ := newTestMonitor(t, alpha)

	monitor.Start()
	require.Eventually(t, func() bool { return alpha.probeCount() > 0 }, time.Second, time.Millisecond)
	monitor.Stop()

	after := alpha.probeCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, alpha.probeCount())
}
