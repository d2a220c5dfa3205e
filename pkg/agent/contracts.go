// Package agent defines the contracts shared by the orchestration loop, the
// model adapters and the capabilities the model may call.
//
// A run is a transcript of Messages. The model answers with an assistant
// message that either requests capabilities (ToolCalls) or carries the final
// answer. Every requested call is answered by exactly one tool message whose
// content is the JSON encoding of an Outcome:
//
//	{"role":"assistant","tool_calls":[{"id":"call_1","name":"get_positions","arguments":"{...}"}]}
//	{"role":"tool","tool_call_id":"call_1","name":"get_positions","content":"{\"success\":true,...}"}
//
// Capabilities never surface raw errors to the model. Failures are reported as
// Outcome values with Success=false and named gaps so the model can state what
// is missing instead of inventing it.
package agent

import (
	"encoding/json"
	"errors"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run a named capability.
// Arguments holds the raw JSON text produced by the model; it is parsed by the
// loop, not by the adapters, so malformed arguments become tool failures.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a run transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is only set on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are only set on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// CloneMessages deep-copies a transcript so callers cannot mutate the original.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Outcome is the only shape a capability result takes inside the transcript.
type Outcome struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Gaps    []string `json:"gaps,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// Succeeded builds a successful Outcome.
func Succeeded(data any, source string) Outcome {
	return Outcome{Success: true, Data: data, Source: source}
}

// Failed builds a failed Outcome from err and the gaps it leaves behind.
func Failed(err error, gaps ...string) Outcome {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome{Success: false, Error: err.Error(), Gaps: gaps}
}

// ExecutionFailedGap names the gap recorded when a capability cannot run.
func ExecutionFailedGap(tool string) string { return tool + "_execution_failed" }

// InvalidArgumentsGap names the gap recorded when arguments fail validation.
func InvalidArgumentsGap(tool string) string { return tool + "_invalid_arguments" }

// DuplicateCallIDGap is added to the executed outcome of a call whose id the
// model repeated within one turn.
const DuplicateCallIDGap = "duplicate_tool_call_id"

// Encode renders the outcome as tool message content. Data that cannot be
// marshaled is replaced by a failure so the transcript always receives JSON.
func (o Outcome) Encode() string {
	b, err := json.Marshal(o)
	if err != nil {
		fb, _ := json.Marshal(Outcome{Success: false, Error: "unencodable result: " + err.Error(), Gaps: o.Gaps, Source: o.Source})
		return string(fb)
	}
	return string(b)
}
