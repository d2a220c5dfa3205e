package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/elliottng/sigmasight/pkg/agent"
)

func TestRuneEstimator(t *testing.T) {
	assert.Equal(t, 0, RuneEstimator(""))
	assert.Equal(t, 1, RuneEstimator("abc"))
	assert.Equal(t, 2, RuneEstimator("héllo"))
}

func TestCountMessages(t *testing.T) {
	est := func(s string) int { return len(s) }
	msgs := []agent.Message{
		{Role: agent.RoleUser, Content: "abcd"},
		{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{Name: "tool", Arguments: "{}"}}},
	}
	assert.Equal(t, 4+4+4+4+2, CountMessages(est, msgs))
	assert.Equal(t, CountMessages(RuneEstimator, msgs), CountMessages(nil, msgs))
}

func TestNewTikTokenEstimator(t *testing.T) {
	est, err := NewTikTokenEstimator("gpt-4")
	if err != nil {
		t.Skipf("tiktoken not available for model: %v", err)
	}
	if got := est("hello world"); got <= 0 {
		t.Fatalf("got %d tokens, want > 0", got)
	}
}

func TestNewTokenEstimator(t *testing.T) {
	est, err := NewTokenEstimator("", "")
	assert.NoError(t, err)
	assert.Equal(t, RuneEstimator("hello world"), est("hello world"))

	est, err = NewTokenEstimator(EstimatorRune, "gpt-4o")
	assert.NoError(t, err)
	assert.Equal(t, 3, est("hello world"))

	_, err = NewTokenEstimator("words", "")
	assert.ErrorContains(t, err, `unknown token estimator "words"`)
}

func TestTikTokenEstimatorUnknownModelFallsBack(t *testing.T) {
	est, err := NewTokenEstimator(EstimatorTikToken, "gemini-2.5-flash")
	if err != nil {
		t.Skipf("tiktoken encoding not available: %v", err)
	}
	if got := est("hello world"); got <= 0 {
		t.Fatalf("got %d tokens, want > 0", got)
	}
}
