// Package echo provides a testing provider that echoes back input
// messages. It implements the domain.Provider interface without making
// external API calls, giving deterministic responses for development
// and tests.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/hestia/internal/domain"
)

const (
	providerName = "echo"
	modelName    = "echo4"
	chunkDelay   = 10 * time.Millisecond
)

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
}

// NewProvider creates a new echo provider.
// No configuration is required as this provider operates entirely in-memory.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			modelName: true,
		},
	}
}

// Complete sends a completion request and returns the echoed response.
func (p *Provider) Complete(_ context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !p.supportedModels[req.Model] {
		return nil, domain.NewProviderError(p.name, domain.ErrorKindInvalidResponse,
			fmt.Errorf("model %s is not supported by echo provider", req.Model))
	}

	start := time.Now()
	content := buildEchoContent(req.Messages)
	tokens := countTokens(content)

	return &domain.CompletionResult{
		ID:        fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		RequestID: req.RequestID,
		Model:     req.Model,
		Provider:  p.name,
		Content:   content,
		Usage: domain.Usage{
			InputTokens:  tokens,
			OutputTokens: tokens,
			TotalTokens:  tokens * 2,
		},
		LatencyMs:  time.Since(start).Milliseconds(),
		FinishTime: time.Now(),
	}, nil
}

// Stream sends a completion request and returns a stream of echo chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !p.supportedModels[req.Model] {
		return nil, domain.NewProviderError(p.name, domain.ErrorKindInvalidResponse,
			fmt.Errorf("model %s is not supported by echo provider", req.Model))
	}

	content := buildEchoContent(req.Messages)
	tokens := countTokens(content)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		words := strings.Fields(content)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}

			select {
			case <-ctx.Done():
				chunks <- domain.StreamChunk{Done: true, Error: ctx.Err()}
				return
			case chunks <- domain.StreamChunk{Delta: delta}:
				time.Sleep(chunkDelay)
			}
		}

		select {
		case chunks <- domain.StreamChunk{
			Done: true,
			Usage: &domain.Usage{
				InputTokens:  tokens,
				OutputTokens: tokens,
				TotalTokens:  tokens * 2,
			},
		}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// Healthcheck always reports healthy: there is no backend to probe.
func (p *Provider) Healthcheck(_ context.Context) (*domain.HealthStatus, error) {
	return &domain.HealthStatus{Healthy: true, Latency: 0}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	return models
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	return len(strings.Fields(content))
}
