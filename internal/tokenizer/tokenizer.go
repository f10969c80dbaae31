// Package tokenizer estimates prompt token counts for cost-based
// routing decisions. Counts are estimates: non-OpenAI models are
// approximated with the cl100k_base encoding, which is close enough
// for relative cost ordering.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// Estimator counts tokens using tiktoken encodings, one cached encoder
// per model.
type Estimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewEstimator creates a token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// EstimateTokens returns the approximate token count of text for model.
func (e *Estimator) EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}

	enc := e.encoderFor(model)
	if enc == nil {
		// Rough character heuristic when no encoding is available.
		return len(text) / 4
	}

	return len(enc.Encode(text, nil, nil))
}

func (e *Estimator) encoderFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			enc = nil
		}
	}

	// Cache nil results too so a broken model name is resolved once.
	e.encoders[model] = enc
	return enc
}
