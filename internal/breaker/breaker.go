// Package breaker implements per-provider circuit breaking. Each
// provider owns exactly one Breaker; the permission check is the only
// read path and outcome reporting is the only write path, so the
// balancer can skip an unhealthy provider without paying its network
// latency.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed admits all traffic.
	StateClosed State = iota
	// StateOpen denies all traffic until the open timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of concurrent probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	SuccessThreshold int           // consecutive half-open successes before closing
	Timeout          time.Duration // open duration before probing
	HalfOpenRequests int           // max concurrent half-open probes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 1,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	return c
}

// Snapshot is a consistent read of one breaker's state.
type Snapshot struct {
	Provider             string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
	HalfOpenInFlight     int
}

// Breaker is the per-provider failure isolation state machine.
// All mutation happens under one mutex: permission checks always
// observe a consistent view.
type Breaker struct {
	provider string
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransitionAt     time.Time
	halfOpenInFlight     int
}

// New creates a breaker for one provider.
func New(provider string, config Config, logger *zap.Logger) *Breaker {
	return newWithClock(provider, config, logger, time.Now)
}

func newWithClock(provider string, config Config, logger *zap.Logger, now func() time.Time) *Breaker {
	b := &Breaker{
		provider: provider,
		config:   config.normalized(),
		logger:   logger,
		now:      now,
		state:    StateClosed,
	}
	b.lastTransitionAt = now()
	return b
}

// Allow checks whether a call may proceed. A nil return admits exactly
// one call, which must be paired with exactly one ReportSuccess,
// ReportFailure or Release. Denied calls return domain.ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastTransitionAt) < b.config.Timeout {
			return domain.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenRequests {
			return domain.ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	}

	return domain.ErrCircuitOpen
}

// ReportSuccess records a successful call.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	switch b.state {
	case StateClosed:
		// Nothing further to do.

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.logger.Info("circuit breaker recovered",
				observability.String("provider", b.provider),
				observability.Int("successes", b.consecutiveSuccesses),
			)
			b.transition(StateClosed)
		}

	case StateOpen:
		// Possible for a call admitted before the trip; ignore.
	}
}

// ReportFailure records a failed call.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker tripped",
				observability.String("provider", b.provider),
				observability.Int("consecutive_failures", b.consecutiveFailures),
			)
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.logger.Warn("circuit breaker probe failed, reopening",
			observability.String("provider", b.provider),
		)
		b.transition(StateOpen)

	case StateOpen:
		// Late failure from a call admitted earlier; stays open.
	}
}

// Release returns an admission obtained from Allow without recording
// an outcome. Callers use it when an admitted request never reached
// the provider, so local rejections neither trip nor settle the
// circuit and a half-open probe slot is never stranded.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// State returns the current state, applying the open-timeout
// transition so a reader never observes a stale OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.lastTransitionAt) >= b.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Provider:             b.provider,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransitionAt:     b.lastTransitionAt,
		HalfOpenInFlight:     b.halfOpenInFlight,
	}
}

// Reset returns the breaker to CLOSED. Admin-only recovery path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("circuit breaker reset",
		observability.String("provider", b.provider),
		observability.String("from_state", b.state.String()),
	)
	b.transition(StateClosed)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastTransitionAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	if to != StateHalfOpen {
		b.halfOpenInFlight = 0
	}
}
