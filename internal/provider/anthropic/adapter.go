// Package anthropic provides the Anthropic provider adapter. The
// Messages API differs from the OpenAI wire format: authentication uses
// the x-api-key header, system prompts travel outside the message list,
// and streaming events carry typed deltas.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

const (
	providerName     = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024 // the Messages API requires max_tokens
)

var defaultPricing = map[string]domain.PricingConfig{
	"claude-3-5-sonnet-latest": {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	"claude-3-5-haiku-latest":  {InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	"claude-3-opus-latest":     {InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
}

// Provider implements the domain.Provider interface for Anthropic.
type Provider struct {
	config Config
	client *http.Client
	models map[string]bool
}

// NewProvider creates a new Anthropic provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}

	timeout := time.Duration(config.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	models := make(map[string]bool, len(defaultPricing))
	for model := range defaultPricing {
		models[model] = true
	}

	return &Provider{
		config: config,
		client: &http.Client{Timeout: timeout},
		models: models,
	}, nil
}

// Pricing returns the default pricing table for Anthropic models.
func Pricing() map[string]domain.PricingConfig {
	return defaultPricing
}

// wire types for the Messages API

type anthropicMessage struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Anthropic API")

	start := time.Now()

	resp, err := p.send(ctx, p.toWireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatus(resp)
	}

	var wire anthropicResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&wire); decodeErr != nil {
		return nil, domain.NewProviderError(providerName, domain.ErrorKindInvalidResponse,
			fmt.Errorf("decoding response: %w", decodeErr))
	}

	if len(wire.Content) == 0 || wire.Usage == nil {
		return nil, domain.NewProviderError(providerName, domain.ErrorKindInvalidResponse,
			errors.New("response missing content or usage"))
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.CompletionResult{
		ID:        wire.ID,
		RequestID: req.RequestID,
		Model:     wire.Model,
		Provider:  providerName,
		Content:   content.String(),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		LatencyMs:  time.Since(start).Milliseconds(),
		FinishTime: time.Now(),
	}, nil
}

// Stream sends a completion request and returns a stream of chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	resp, err := p.send(ctx, p.toWireRequest(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classifyStatus(resp)
	}

	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		usage := domain.Usage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event) != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil && event.Message.Usage != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					select {
					case chunks <- domain.StreamChunk{Delta: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				chunks <- domain.StreamChunk{Done: true, Usage: &usage}
				return
			}
		}

		if scanErr := scanner.Err(); scanErr != nil {
			chunks <- domain.StreamChunk{Error: p.classifyTransport(scanErr)}
			return
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		chunks <- domain.StreamChunk{Done: true, Usage: &usage}
	}()

	return chunks, nil
}

// Healthcheck probes the models endpoint and reports latency.
func (p *Provider) Healthcheck(ctx context.Context) (*domain.HealthStatus, error) {
	start := time.Now()

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &domain.HealthStatus{Healthy: false, Latency: latency}, p.classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.HealthStatus{Healthy: false, Latency: latency}, p.classifyStatus(resp)
	}

	return &domain.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.models[model]
}

// SupportedModels returns all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.models))
	for model := range p.models {
		models = append(models, model)
	}
	return models
}

func (p *Provider) toWireRequest(req *domain.CompletionRequest, stream bool) anthropicRequest {
	wire := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	// System messages travel in a dedicated field.
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += msg.Content
			continue
		}
		wire.Messages = append(wire.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return wire
}

func (p *Provider) send(ctx context.Context, wire anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransport(err)
	}

	return resp, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// classifyStatus maps a non-200 response onto the error taxonomy and
// drains the error payload for context.
func (p *Provider) classifyStatus(resp *http.Response) error {
	var wire anthropicErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&wire)

	cause := fmt.Errorf("status=%d type=%s msg=%s",
		resp.StatusCode, wire.Error.Type, wire.Error.Message)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewProviderError(providerName, domain.ErrorKindAuth, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := domain.NewProviderError(providerName, domain.ErrorKindRateLimit, cause)
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			pe.RetryAfter = time.Duration(seconds) * time.Second
		}
		return pe
	case resp.StatusCode >= 500:
		return domain.NewProviderError(providerName, domain.ErrorKindUnavailable, cause)
	default:
		return domain.NewProviderError(providerName, domain.ErrorKindInvalidResponse, cause)
	}
}

func (p *Provider) classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewProviderError(providerName, domain.ErrorKindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewProviderError(providerName, domain.ErrorKindTimeout, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.NewProviderError(providerName, domain.ErrorKindTimeout, err)
	}

	return domain.NewProviderError(providerName, domain.ErrorKindUnavailable, err)
}
