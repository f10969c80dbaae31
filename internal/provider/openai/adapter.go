// Package openai provides the OpenAI provider adapter using the
// official SDK via the shared OpenAI-compatible implementation.
package openai

import (
	"time"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/provider/openaicompat"
)

const providerName = "openai"

// defaultPricing holds USD pricing per 1K tokens for supported models.
var defaultPricing = map[string]domain.PricingConfig{
	"gpt-4":         {InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	"gpt-4-turbo":   {InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	"gpt-4o":        {InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	"gpt-4o-mini":   {InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	"gpt-3.5-turbo": {InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
}

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	*openaicompat.Provider
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config) (*Provider, error) {
	base, err := openaicompat.New(openaicompat.Config{
		ProviderName: providerName,
		APIKey:       config.APIKey,
		BaseURL:      config.BaseURL,
		Timeout:      time.Duration(config.Timeout) * time.Second,
		Models:       modelNames(),
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Provider: base}, nil
}

// Pricing returns the default pricing table for OpenAI models.
func Pricing() map[string]domain.PricingConfig {
	return defaultPricing
}

func modelNames() []string {
	names := make([]string, 0, len(defaultPricing))
	for name := range defaultPricing {
		names = append(names, name)
	}
	return names
}
