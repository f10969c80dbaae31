package domain

import (
	"context"
	"errors"
)

const tokensToPerK = 1000.0

// defaultEstimateOutputTokens is assumed when a request carries no
// explicit max_tokens, so cost-based routing still has a comparable
// per-candidate figure.
const defaultEstimateOutputTokens = 256

// TokenEstimator predicts the token count of a text for a model.
type TokenEstimator interface {
	EstimateTokens(model, text string) int
}

// StandardCostCalculator implements standard token-based cost calculation.
type StandardCostCalculator struct {
	pricingRegistry PricingRegistry
	estimator       TokenEstimator
}

// NewStandardCostCalculator creates a new cost calculator.
func NewStandardCostCalculator(registry PricingRegistry, estimator TokenEstimator) *StandardCostCalculator {
	return &StandardCostCalculator{
		pricingRegistry: registry,
		estimator:       estimator,
	}
}

// Calculate computes the total cost based on token usage and model pricing.
func (c *StandardCostCalculator) Calculate(
	ctx context.Context,
	model string,
	usage Usage,
) (float64, error) {
	if model == "" {
		return 0, errors.New("model cannot be empty")
	}

	pricing, err := c.pricingRegistry.GetPricing(ctx, model)
	if err != nil {
		// Unknown pricing is not an error for the request; it simply
		// costs nothing on the ledger.
		return 0, nil
	}

	inputCost := float64(usage.InputTokens) / tokensToPerK * pricing.InputCostPer1K
	outputCost := float64(usage.OutputTokens) / tokensToPerK * pricing.OutputCostPer1K

	return inputCost + outputCost, nil
}

// Estimate predicts the cost of a request before dispatch.
func (c *StandardCostCalculator) Estimate(
	ctx context.Context,
	req *CompletionRequest,
	model string,
) (float64, error) {
	if req == nil {
		return 0, errors.New("request cannot be nil")
	}
	if model == "" {
		model = req.Model
	}

	inputTokens := 0
	for _, msg := range req.Messages {
		inputTokens += c.estimator.EstimateTokens(model, msg.Content)
	}

	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = defaultEstimateOutputTokens
	}

	return c.Calculate(ctx, model, Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	})
}
