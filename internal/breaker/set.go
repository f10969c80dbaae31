package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Set holds exactly one breaker per provider.
type Set struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a breaker set sharing one config.
func NewSet(config Config, logger *zap.Logger) *Set {
	return &Set{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a provider, creating it on first use.
func (s *Set) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.breakers[provider]
	if !exists {
		b = New(provider, s.config, s.logger)
		s.breakers[provider] = b
	}
	return b
}

// Snapshots returns a snapshot of every breaker in the set.
func (s *Set) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	return snapshots
}
