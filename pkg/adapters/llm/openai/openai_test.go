package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
)

const toolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [
        {"id": "call_1", "type": "function", "function": {"name": "get_positions", "arguments": "{\"portfolio_id\":\"p1\"}"}},
        {"id": "call_2", "type": "function", "function": {"name": "get_risk_metrics", "arguments": "{\"portfolio_id\":\"p1\"}"}}
      ]
    }
  }],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestGenerateMapsTranscriptAndToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path=%s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &body); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallResponse))
	}))
	defer srv.Close()

	m, err := Factory(context.Background(), map[string]any{"api_key": "test", "base_url": srv.URL + "/", "max_retries": 0})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	temp := 0.2
	res, err := m.Generate(context.Background(), llm.Request{
		Temperature: &temp,
		Messages: []agent.Message{
			{Role: agent.RoleSystem, Content: "sys"},
			{Role: agent.RoleUser, Content: "analyze"},
			{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "call_0", Name: "get_portfolio_snapshot", Arguments: `{"portfolio_id":"p1"}`}}},
			{Role: agent.RoleTool, ToolCallID: "call_0", Name: "get_portfolio_snapshot", Content: `{"success":true}`},
		},
		Tools: []agent.ToolDefinition{{
			Name:        "get_positions",
			Description: "positions",
			InputSchema: []byte(`{"type":"object","properties":{"portfolio_id":{"type":"string"}},"required":["portfolio_id"]}`),
		}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if got := len(res.Message.ToolCalls); got != 2 {
		t.Fatalf("tool calls=%d want 2", got)
	}
	if tc := res.Message.ToolCalls[1]; tc.ID != "call_2" || tc.Name != "get_risk_metrics" || tc.Arguments != `{"portfolio_id":"p1"}` {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if res.Message.Role != agent.RoleAssistant || res.TotalTokens != 15 || res.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected result: %+v", res)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages=%d want 4", len(msgs))
	}
	asst := msgs[2].(map[string]any)
	calls, _ := asst["tool_calls"].([]any)
	if asst["role"] != "assistant" || len(calls) != 1 {
		t.Fatalf("assistant message: %v", asst)
	}
	tool := msgs[3].(map[string]any)
	if tool["role"] != "tool" || tool["tool_call_id"] != "call_0" {
		t.Fatalf("tool message: %v", tool)
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools=%d want 1", len(tools))
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "get_positions" {
		t.Fatalf("function: %v", fn)
	}
	if body["temperature"] != 0.2 {
		t.Fatalf("temperature=%v", body["temperature"])
	}
}

func TestGenerateProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	m, err := Factory(context.Background(), map[string]any{"api_key": "test", "base_url": srv.URL + "/", "max_retries": 0})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, err := m.Generate(context.Background(), llm.Request{Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}}}); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestFactoryRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := Factory(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, ok := llm.Resolve("openai"); !ok {
		t.Fatal("openai provider not registered")
	}
}
