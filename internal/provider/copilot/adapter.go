// Package copilot provides the Microsoft Copilot provider adapter.
// The Copilot chat endpoint is OpenAI-compatible but requires editor
// identification headers alongside the bearer token.
package copilot

import (
	"time"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/provider/openaicompat"
)

const (
	providerName   = "copilot"
	defaultBaseURL = "https://api.githubcopilot.com"

	editorVersion       = "vscode/1.96.0"
	editorPluginVersion = "copilot-chat/0.23.1"
)

var defaultPricing = map[string]domain.PricingConfig{
	// Copilot is subscription-billed; zero marginal token cost makes it
	// the floor of the cost-based ordering.
	"copilot-gpt-4":   {},
	"copilot-gpt-4o":  {},
	"copilot-o1-mini": {},
}

// Provider implements the domain.Provider interface for Copilot.
type Provider struct {
	*openaicompat.Provider
}

// NewProvider creates a new Copilot provider.
func NewProvider(config Config) (*Provider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	base, err := openaicompat.New(openaicompat.Config{
		ProviderName: providerName,
		APIKey:       config.Token,
		BaseURL:      baseURL,
		Timeout:      time.Duration(config.Timeout) * time.Second,
		Headers: map[string]string{
			"Editor-Version":         editorVersion,
			"Editor-Plugin-Version":  editorPluginVersion,
			"Copilot-Integration-Id": "vscode-chat",
		},
		Models: modelNames(),
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Provider: base}, nil
}

// Pricing returns the default pricing table for Copilot models.
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
