// Package openaicompat implements the domain.Provider interface for any
// backend that speaks the OpenAI chat-completions wire format. The
// OpenAI, Grok, and Copilot adapters are thin configurations of this
// package.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// Config describes one OpenAI-compatible backend.
type Config struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	Headers      map[string]string // extra headers, e.g. Copilot editor identification
	Models       []string
}

// Provider implements the domain.Provider interface over the OpenAI SDK.
type Provider struct {
	client openai.Client
	name   string
	models map[string]bool
}

// New creates an OpenAI-compatible provider.
// The SDK's built-in retries are disabled: retry policy belongs to the
// retry coordinator, never the adapter.
func New(cfg Config) (*Provider, error) {
	if cfg.ProviderName == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.ProviderName)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}

	return &Provider{
		client: openai.NewClient(opts...),
		name:   cfg.ProviderName,
		models: models,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling provider API", observability.String("provider", p.name))

	start := time.Now()

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req))
	if err != nil {
		return nil, p.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, domain.NewProviderError(p.name, domain.ErrorKindInvalidResponse,
			errors.New("response contains no choices"))
	}

	logger.Debug("provider API call succeeded",
		observability.Int("input_tokens", int(resp.Usage.PromptTokens)),
		observability.Int("output_tokens", int(resp.Usage.CompletionTokens)),
	)

	return p.toDomainResult(req, resp, time.Since(start)), nil
}

// Stream sends a completion request and returns a stream of chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling provider streaming API", observability.String("provider", p.name))

	params := p.toSDKParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		var usage *domain.Usage

		for stream.Next() {
			chunk := stream.Current()

			// A usage-only chunk terminates the stream.
			if chunk.Usage.TotalTokens > 0 {
				usage = &domain.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				select {
				case chunks <- domain.StreamChunk{Delta: delta}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			chunks <- domain.StreamChunk{Error: p.classify(err)}
			return
		}

		chunks <- domain.StreamChunk{Done: true, Usage: usage}
	}()

	return chunks, nil
}

// Healthcheck probes the models endpoint and reports latency.
func (p *Provider) Healthcheck(ctx context.Context) (*domain.HealthStatus, error) {
	start := time.Now()

	_, err := p.client.Models.List(ctx)
	latency := time.Since(start)

	if err != nil {
		return &domain.HealthStatus{Healthy: false, Latency: latency}, p.classify(err)
	}

	return &domain.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
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

// classify maps an SDK error onto the gateway error taxonomy. This is
// the single classification point for OpenAI-compatible backends.
func (p *Provider) classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return domain.NewProviderError(p.name, domain.ErrorKindAuth, err)
		case apierr.StatusCode == 429:
			pe := domain.NewProviderError(p.name, domain.ErrorKindRateLimit, err)
			pe.RetryAfter = retryAfterHint(apierr)
			return pe
		case apierr.StatusCode >= 500:
			return domain.NewProviderError(p.name, domain.ErrorKindUnavailable, err)
		default:
			return domain.NewProviderError(p.name, domain.ErrorKindInvalidResponse, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewProviderError(p.name, domain.ErrorKindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewProviderError(p.name, domain.ErrorKindTimeout, err)
	}

	// Connection drops before a response are ambiguous; treating them
	// as timeouts keeps them retryable, which is safe because usage is
	// never recorded for an unacknowledged call.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.NewProviderError(p.name, domain.ErrorKindTimeout, err)
	}

	return domain.NewProviderError(p.name, domain.ErrorKindUnavailable, err)
}

func retryAfterHint(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}

	header := apierr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// toSDKParams converts a domain request to SDK parameters.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages[i] = openai.AssistantMessage(msg.Content)
		case "system":
			messages[i] = openai.SystemMessage(msg.Content)
		default:
			messages[i] = openai.UserMessage(msg.Content)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}

// toDomainResult converts an SDK response to a domain result.
func (p *Provider) toDomainResult(
	req *domain.CompletionRequest,
	resp *openai.ChatCompletion,
	latency time.Duration,
) *domain.CompletionResult {
	return &domain.CompletionResult{
		ID:        resp.ID,
		RequestID: req.RequestID,
		Model:     string(resp.Model),
		Provider:  p.name,
		Content:   resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		LatencyMs:  latency.Milliseconds(),
		FinishTime: time.Now(),
	}
}
