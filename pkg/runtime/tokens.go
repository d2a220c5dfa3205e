package runtime

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/elliottng/sigmasight/pkg/agent"
)

// TokenEstimator estimates the token count of text.
type TokenEstimator func(text string) int

// RuneEstimator approximates four runes per token.
func RuneEstimator(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// Estimator kinds accepted by NewTokenEstimator.
const (
	EstimatorRune     = "rune"
	EstimatorTikToken = "tiktoken"
)

// fallbackEncoding is used for models tiktoken does not know, such as
// non-OpenAI providers.
const fallbackEncoding = "cl100k_base"

// NewTokenEstimator builds the estimator named by kind. An empty kind
// selects the rune estimator.
func NewTokenEstimator(kind, model string) (TokenEstimator, error) {
	switch kind {
	case "", EstimatorRune:
		return RuneEstimator, nil
	case EstimatorTikToken:
		return NewTikTokenEstimator(model)
	default:
		return nil, fmt.Errorf("unknown token estimator %q", kind)
	}
}

// NewTikTokenEstimator returns an estimator backed by the tiktoken encoding
// of model, or cl100k_base when the model is empty or unknown. It fails
// when the encoding cannot be loaded.
func NewTikTokenEstimator(model string) (TokenEstimator, error) {
	var enc *tiktoken.Tiktoken
	var err error
	if model != "" {
		enc, err = tiktoken.EncodingForModel(model)
	}
	if enc == nil || err != nil {
		if enc, err = tiktoken.GetEncoding(fallbackEncoding); err != nil {
			return nil, fmt.Errorf("tiktoken %s: %w", fallbackEncoding, err)
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// per-message framing cost used by chat completion formats
const messageOverhead = 4

// CountMessages estimates the prompt size of a transcript.
func CountMessages(est TokenEstimator, msgs []agent.Message) int {
	if est == nil {
		est = RuneEstimator
	}
	total := 0
	for _, m := range msgs {
		total += messageOverhead + est(m.Content)
		for _, tc := range m.ToolCalls {
			total += est(tc.Name) + est(tc.Arguments)
		}
	}
	return total
}
