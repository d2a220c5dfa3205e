// Package llmtest provides deterministic model adapters for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
)

// Turn configures one model response in a scripted sequence.
type Turn struct {
	Message agent.Message
	Err     error
	// Inspect runs before the turn is returned, with the request the model saw.
	Inspect func(req llm.Request)
}

// Text is a turn that answers with content only.
func Text(content string) Turn {
	return Turn{Message: agent.Message{Role: agent.RoleAssistant, Content: content}}
}

// Calls is a turn that requests the given tool calls.
func Calls(calls ...agent.ToolCall) Turn {
	return Turn{Message: agent.Message{Role: agent.RoleAssistant, ToolCalls: calls}}
}

// Call builds a tool call.
func Call(id, name, arguments string) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: name, Arguments: arguments}
}

// ScriptedModel replays turns in order and records every request.
type ScriptedModel struct {
	mu       sync.Mutex
	index    int
	turns    []Turn
	requests []llm.Request
}

var _ llm.LLM = (*ScriptedModel)(nil)

func NewScriptedModel(turns ...Turn) *ScriptedModel {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &ScriptedModel{turns: cloned}
}

func (m *ScriptedModel) Name() string { return "scripted" }

func (m *ScriptedModel) Generate(ctx context.Context, req llm.Request) (llm.GenerateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = agent.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return llm.GenerateResult{}, err
	}
	if m.index >= len(m.turns) {
		return llm.GenerateResult{}, fmt.Errorf("script exhausted at turn %d", m.index+1)
	}
	current := m.turns[m.index]
	m.index++
	if current.Inspect != nil {
		current.Inspect(req)
	}
	if current.Err != nil {
		return llm.GenerateResult{}, current.Err
	}
	msg := current.Message.Clone()
	if msg.Role == "" {
		msg.Role = agent.RoleAssistant
	}
	return llm.GenerateResult{Message: msg, Model: "scripted"}, nil
}

// Requests returns a copy of every request received so far.
func (m *ScriptedModel) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// CallCount reports how many times Generate was invoked.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
