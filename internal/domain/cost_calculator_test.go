package domain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hestia/internal/domain"
)

// fixedEstimator reports one token per four characters, the same
// heuristic the tokenizer falls back to.
type fixedEstimator struct{}

func (fixedEstimator) EstimateTokens(_ string, text string) int {
	return len(text) / 4
}

func TestStandardCostCalculator_Calculate(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	err := registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
		InputCostPer1K:  0.01,
		OutputCostPer1K: 0.02,
	})
	require.NoError(t, err)

	calculator := domain.NewStandardCostCalculator(registry, fixedEstimator{})

	tests := []struct {
		name         string
		model        string
		usage        domain.Usage
		expectedCost float64
		expectError  bool
	}{
		{
			name:  "calculate cost for known model",
			model: "test-model",
			usage: domain.Usage{
				InputTokens:  1000,
				OutputTokens: 500,
			},
			expectedCost: 0.02, // (1000/1000 * 0.01) + (500/1000 * 0.02)
			expectError:  false,
		},
		{
			name:  "unknown model returns zero cost",
			model: "unknown-model",
			usage: domain.Usage{
				InputTokens:  1000,
				OutputTokens: 500,
			},
			expectedCost: 0,
			expectError:  false,
		},
		{
			name:         "empty model returns error",
			model:        "",
			usage:        domain.Usage{},
			expectedCost: 0,
			expectError:  true,
		},
		{
			name:         "zero tokens returns zero cost",
			model:        "test-model",
			usage:        domain.Usage{},
			expectedCost: 0,
			expectError:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := calculator.Calculate(ctx, tt.model, tt.usage)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.InDelta(t, tt.expectedCost, cost, 0.000001)
		})
	}
}

func TestStandardCostCalculator_Estimate(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	require.NoError(t, registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
		InputCostPer1K:  0.01,
		OutputCostPer1K: 0.02,
	}))

	calculator := domain.NewStandardCostCalculator(registry, fixedEstimator{})

	t.Run("should price estimated input plus max_tokens output", func(t *testing.T) {
		req := &domain.CompletionRequest{
			Model: "test-model",
			Messages: []domain.Message{
				{Role: "user", Content: "0123456789abcdef"}, // 16 chars -> 4 tokens
			},
			MaxTokens: 1000,
		}

		cost, err := calculator.Estimate(ctx, req, "test-model")
		require.NoError(t, err)
		// 4/1000 * 0.01 + 1000/1000 * 0.02
		require.InDelta(t, 0.02004, cost, 0.000001)
	})

	t.Run("should assume a default output budget without max_tokens", func(t *testing.T) {
		req := &domain.CompletionRequest{
			Model:    "test-model",
			Messages: []domain.Message{{Role: "user", Content: "hi"}},
		}

		cost, err := calculator.Estimate(ctx, req, "test-model")
		require.NoError(t, err)
		// 256 assumed output tokens at 0.02 per 1K.
		require.InDelta(t, 0.00512, cost, 0.000001)
	})

	t.Run("should fall back to the request model", func(t *testing.T) {
		req := &domain.CompletionRequest{
			Model:     "test-model",
			Messages:  []domain.Message{{Role: "user", Content: "0123456789abcdef"}},
			MaxTokens: 1000,
		}

		cost, err := calculator.Estimate(ctx, req, "")
		require.NoError(t, err)
		require.InDelta(t, 0.02004, cost, 0.000001)
	})

	t.Run("should reject nil requests", func(t *testing.T) {
		_, err := calculator.Estimate(ctx, nil, "test-model")
		require.Error(t, err)
	})
}

func TestInMemoryPricingRegistry(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	t.Run("should reject empty model names", func(t *testing.T) {
		require.Error(t, registry.RegisterPricing(ctx, "", domain.PricingConfig{}))
	})

	t.Run("should miss unregistered models", func(t *testing.T) {
		_, err := registry.GetPricing(ctx, "nope")
		require.Error(t, err)
	})

	t.Run("should overwrite on re-registration", func(t *testing.T) {
		require.NoError(t, registry.RegisterPricing(ctx, "m", domain.PricingConfig{InputCostPer1K: 1}))
		require.NoError(t, registry.RegisterPricing(ctx, "m", domain.PricingConfig{InputCostPer1K: 2}))

		pricing, err := registry.GetPricing(ctx, "m")
		require.NoError(t, err)
		require.InDelta(t, 2, pricing.InputCostPer1K, 0.000001)
	})
}
