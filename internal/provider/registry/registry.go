package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/hestia/internal/domain"
)

// Registry implements the domain.ProviderRegistry interface.
// Registration order is preserved: routing strategies break ties by it.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]domain.Provider
	profiles        map[string]domain.ProviderProfile
	order           []string
	modelToProvider map[string]string
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:       make(map[string]domain.Provider),
		profiles:        make(map[string]domain.ProviderProfile),
		modelToProvider: make(map[string]string),
	}
}

// Register adds a provider with its routing profile.
func (r *Registry) Register(ctx context.Context, provider domain.Provider, profile domain.ProviderProfile) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	profile.ID = name
	r.providers[name] = provider
	r.profiles[name] = profile.Normalized()
	r.order = append(r.order, name)

	// Build reverse index from provider's supported models.
	for _, model := range provider.SupportedModels(ctx) {
		if _, taken := r.modelToProvider[model]; !taken {
			r.modelToProvider[model] = name
		}
	}

	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	if providerName == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[providerName]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerName)
	}

	return provider, nil
}

// Profile returns the current profile for a provider.
func (r *Registry) Profile(_ context.Context, providerName string) (domain.ProviderProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.profiles[providerName]
	if !exists {
		return domain.ProviderProfile{}, fmt.Errorf("provider %s not found", providerName)
	}

	return profile, nil
}

// List returns all provider names in registration order.
func (r *Registry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)

	return names, nil
}

// Enabled returns enabled provider names in registration order.
func (r *Registry) Enabled(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.profiles[name].Enabled {
			names = append(names, name)
		}
	}

	return names, nil
}

// GetByModel retrieves an enabled provider that supports the model.
func (r *Registry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Reverse index for O(1) lookup on known models.
	if providerName, exists := r.modelToProvider[model]; exists {
		if r.profiles[providerName].Enabled {
			return r.providers[providerName], nil
		}
	}

	// Linear fallback handles dynamic models and disabled index hits.
	for _, name := range r.order {
		if !r.profiles[name].Enabled {
			continue
		}
		if r.providers[name].IsModelSupported(ctx, model) {
			return r.providers[name], nil
		}
	}

	return nil, fmt.Errorf("no provider found for model: %s", model)
}

// SetEnabled toggles a provider.
func (r *Registry) SetEnabled(_ context.Context, providerName string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[providerName]
	if !exists {
		return fmt.Errorf("provider %s not found", providerName)
	}

	profile.Enabled = enabled
	r.profiles[providerName] = profile
	return nil
}

// SetWeight updates a provider's routing weight.
func (r *Registry) SetWeight(_ context.Context, providerName string, weight float64) error {
	if weight <= 0 {
		return errors.New("weight must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[providerName]
	if !exists {
		return fmt.Errorf("provider %s not found", providerName)
	}

	profile.Weight = weight
	r.profiles[providerName] = profile
	return nil
}
