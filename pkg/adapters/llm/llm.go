// Package llm is the provider-neutral boundary between the orchestration loop
// and chat models that support function calling.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/elliottng/sigmasight/pkg/agent"
)

// Request is one model call: the full transcript plus the advertised tools.
type Request struct {
	// Model overrides the adapter default when set.
	Model string
	// Temperature is left to the provider default when nil.
	Temperature *float64
	Messages    []agent.Message
	Tools       []agent.ToolDefinition
}

// GenerateResult contains the assistant message and token usage if available.
type GenerateResult struct {
	Message      agent.Message
	PromptTokens int
	OutputTokens int
	TotalTokens  int
	Model        string
}

// LLM is a chat model able to request tool calls.
type LLM interface {
	// Name returns provider name (e.g., "openai").
	Name() string
	// Generate returns the next assistant message. Implementations must not
	// retain or mutate req.Messages.
	Generate(ctx context.Context, req Request) (GenerateResult, error)
}

// Factory constructs an LLM from provider-specific config.
type Factory func(ctx context.Context, cfg map[string]any) (LLM, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an LLM factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("llm: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("llm: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("llm: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Range iterates all registered factories.
func Range(fn func(name string, f Factory)) {
	regMu.RLock()
	defer regMu.RUnlock()
	for n, f := range factories {
		fn(n, f)
	}
}

// New resolves provider and builds it with cfg.
func New(ctx context.Context, provider string, cfg map[string]any) (LLM, error) {
	f, ok := Resolve(provider)
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
	return f(ctx, cfg)
}

// StringOpt reads a non-empty string from cfg.
func StringOpt(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key].(string)
	return v, ok && v != ""
}
