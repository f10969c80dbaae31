// Package grok provides the xAI Grok provider adapter. Grok exposes an
// OpenAI-compatible API, so the adapter is a configuration of the
// shared implementation with the x.ai base URL.
package grok

import (
	"time"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/provider/openaicompat"
)

const (
	providerName   = "grok"
	defaultBaseURL = "https://api.x.ai/v1"
)

var defaultPricing = map[string]domain.PricingConfig{
	"grok-2":      {InputCostPer1K: 0.002, OutputCostPer1K: 0.01},
	"grok-2-mini": {InputCostPer1K: 0.0003, OutputCostPer1K: 0.0005},
	"grok-beta":   {InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
}

// Provider implements the domain.Provider interface for xAI Grok.
type Provider struct {
	*openaicompat.Provider
}

// NewProvider creates a new Grok provider.
func NewProvider(config Config) (*Provider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	base, err := openaicompat.New(openaicompat.Config{
		ProviderName: providerName,
		APIKey:       config.APIKey,
		BaseURL:      baseURL,
		Timeout:      time.Duration(config.Timeout) * time.Second,
		Models:       modelNames(),
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Provider: base}, nil
}

// Pricing returns the default pricing table for Grok models.
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
