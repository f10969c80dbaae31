// Package vertex provides the Google Vertex provider adapter for
// Gemini models. The generateContent API uses role "model" instead of
// "assistant", carries system prompts in a dedicated systemInstruction
// field, and reports usage through usageMetadata.
package vertex

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
	providerName   = "vertex"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
)

var defaultPricing = map[string]domain.PricingConfig{
	"gemini-1.5-pro":   {InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	"gemini-1.5-flash": {InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
	"gemini-2.0-flash": {InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004},
}

// Provider implements the domain.Provider interface for Google Vertex.
type Provider struct {
	config Config
	client *http.Client
	models map[string]bool
}

// NewProvider creates a new Vertex provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Vertex API key is required")
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

// Pricing returns the default pricing table for Vertex models.
func Pricing() map[string]domain.PricingConfig {
	return defaultPricing
}

// wire types for the generateContent API

type vertexPart struct {
	Text string `json:"text,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []vertexPart `json:"parts"`
}

type vertexGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type vertexRequest struct {
	Contents          []vertexContent         `json:"contents"`
	SystemInstruction *vertexContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *vertexGenerationConfig `json:"generationConfig,omitempty"`
}

type vertexUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type vertexCandidate struct {
	Content      vertexContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type vertexResponse struct {
	Candidates    []vertexCandidate    `json:"candidates"`
	UsageMetadata *vertexUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

type vertexErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Vertex API")

	start := time.Now()

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(p.config.BaseURL, "/"), req.Model, p.config.APIKey)

	resp, err := p.send(ctx, endpoint, p.toWireRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatus(resp)
	}

	var wire vertexResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&wire); decodeErr != nil {
		return nil, domain.NewProviderError(providerName, domain.ErrorKindInvalidResponse,
			fmt.Errorf("decoding response: %w", decodeErr))
	}

	if len(wire.Candidates) == 0 || wire.UsageMetadata == nil {
		return nil, domain.NewProviderError(providerName, domain.ErrorKindInvalidResponse,
			errors.New("response missing candidates or usage metadata"))
	}

	var content strings.Builder
	for _, part := range wire.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	return &domain.CompletionResult{
		ID:        fmt.Sprintf("vertex-%d", time.Now().UnixNano()),
		RequestID: req.RequestID,
		Model:     req.Model,
		Provider:  providerName,
		Content:   content.String(),
		Usage: domain.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  wire.UsageMetadata.TotalTokenCount,
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

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		strings.TrimRight(p.config.BaseURL, "/"), req.Model, p.config.APIKey)

	resp, err := p.send(ctx, endpoint, p.toWireRequest(req))
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

		var usage *domain.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var wire vertexResponse
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire) != nil {
				continue
			}

			if wire.UsageMetadata != nil {
				usage = &domain.Usage{
					InputTokens:  wire.UsageMetadata.PromptTokenCount,
					OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
					TotalTokens:  wire.UsageMetadata.TotalTokenCount,
				}
			}

			for _, candidate := range wire.Candidates {
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case chunks <- domain.StreamChunk{Delta: part.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if scanErr := scanner.Err(); scanErr != nil {
			chunks <- domain.StreamChunk{Error: p.classifyTransport(scanErr)}
			return
		}

		chunks <- domain.StreamChunk{Done: true, Usage: usage}
	}()

	return chunks, nil
}

// Healthcheck probes the models listing and reports latency.
func (p *Provider) Healthcheck(ctx context.Context) (*domain.HealthStatus, error) {
	start := time.Now()

	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s",
		strings.TrimRight(p.config.BaseURL, "/"), p.config.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

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

func (p *Provider) toWireRequest(req *domain.CompletionRequest) vertexRequest {
	wire := vertexRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &vertexContent{}
			}
			wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts,
				vertexPart{Text: msg.Content})
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		wire.Contents = append(wire.Contents, vertexContent{
			Role:  role,
			Parts: []vertexPart{{Text: msg.Content}},
		})
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		wire.GenerationConfig = &vertexGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return wire
}

func (p *Provider) send(ctx context.Context, endpoint string, wire vertexRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransport(err)
	}

	return resp, nil
}

func (p *Provider) classifyStatus(resp *http.Response) error {
	var wire vertexErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&wire)

	cause := fmt.Errorf("status=%d code=%s msg=%s",
		resp.StatusCode, wire.Error.Status, wire.Error.Message)

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
