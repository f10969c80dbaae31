package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/provider/registry"
)

type fakeProvider struct {
	name   string
	models []string
}

func (f *fakeProvider) Complete(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResult, error) {
	return &domain.CompletionResult{Provider: f.name}, nil
}

func (f *fakeProvider) Stream(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Healthcheck(_ context.Context) (*domain.HealthStatus, error) {
	return &domain.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) IsModelSupported(_ context.Context, model string) bool {
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return false
}

func (f *fakeProvider) SupportedModels(_ context.Context) []string { return f.models }

func enabledProfile() domain.ProviderProfile {
	return domain.ProviderProfile{Weight: 1, Enabled: true}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()

	provider := &fakeProvider{name: "openai", models: []string{"gpt-4"}}
	require.NoError(t, reg.Register(ctx, provider, enabledProfile()))

	t.Run("should retrieve a registered provider", func(t *testing.T) {
		got, err := reg.Get(ctx, "openai")
		require.NoError(t, err)
		require.Equal(t, "openai", got.Name())
	})

	t.Run("should reject duplicate registration", func(t *testing.T) {
		err := reg.Register(ctx, provider, enabledProfile())
		require.Error(t, err)
	})

	t.Run("should fail for unknown providers", func(t *testing.T) {
		_, err := reg.Get(ctx, "unknown")
		require.Error(t, err)
	})
}

func TestRegistry_PreservesRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()

	for _, name := range []string{"openai", "anthropic", "vertex"} {
		require.NoError(t, reg.Register(ctx, &fakeProvider{name: name}, enabledProfile()))
	}

	names, err := reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"openai", "anthropic", "vertex"}, names)
}

func TestRegistry_EnabledFiltersDisabledProviders(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()

	require.NoError(t, reg.Register(ctx, &fakeProvider{name: "openai"}, enabledProfile()))
	require.NoError(t, reg.Register(ctx, &fakeProvider{name: "anthropic"}, enabledProfile()))

	require.NoError(t, reg.SetEnabled(ctx, "openai", false))

	names, err := reg.Enabled(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"anthropic"}, names)

	require.NoError(t, reg.SetEnabled(ctx, "openai", true))
	names, err = reg.Enabled(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"openai", "anthropic"}, names)
}

func TestRegistry_GetByModel(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()

	require.NoError(t, reg.Register(ctx, &fakeProvider{name: "openai", models: []string{"gpt-4"}}, enabledProfile()))
	require.NoError(t, reg.Register(ctx, &fakeProvider{name: "anthropic", models: []string{"claude-3-opus"}}, enabledProfile()))

	t.Run("should resolve a model to its provider", func(t *testing.T) {
		provider, err := reg.GetByModel(ctx, "claude-3-opus")
		require.NoError(t, err)
		require.Equal(t, "anthropic", provider.Name())
	})

	t.Run("should skip disabled providers", func(t *testing.T) {
		require.NoError(t, reg.SetEnabled(ctx, "anthropic", false))
		_, err := reg.GetByModel(ctx, "claude-3-opus")
		require.Error(t, err)
	})

	t.Run("should fail for unknown models", func(t *testing.T) {
		_, err := reg.GetByModel(ctx, "nonexistent-model")
		require.Error(t, err)
	})
}

func TestRegistry_SetWeight(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, &fakeProvider{name: "openai"}, enabledProfile()))

	require.NoError(t, reg.SetWeight(ctx, "openai", 2.5))
	profile, err := reg.Profile(ctx, "openai")
	require.NoError(t, err)
	require.InDelta(t, 2.5, profile.Weight, 0.0001)

	require.Error(t, reg.SetWeight(ctx, "openai", 0))
	require.Error(t, reg.SetWeight(ctx, "unknown", 1))
}
