package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
)

const (
	defaultModel = "gpt-4o-mini"
)

type clientWrapper struct {
	client oa.Client
	model  string
}

func (c *clientWrapper) Name() string { return "openai" }

func (c *clientWrapper) Generate(ctx context.Context, req llm.Request) (llm.GenerateResult, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	params := oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = oa.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toTools(req.Tools)
		if err != nil {
			return llm.GenerateResult{}, err
		}
		params.Tools = tools
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.GenerateResult{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.GenerateResult{}, fmt.Errorf("openai: response has no choices")
	}
	msg := resp.Choices[0].Message
	out := agent.Message{Role: agent.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	usage := resp.Usage
	return llm.GenerateResult{
		Message:      out,
		PromptTokens: int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
		Model:        model,
	}, nil
}

func toMessages(messages []agent.Message) []oa.ChatCompletionMessageParamUnion {
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			mm = append(mm, oa.SystemMessage(m.Content))
		case agent.RoleTool:
			mm = append(mm, oa.ToolMessage(m.Content, m.ToolCallID))
		case agent.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				mm = append(mm, oa.AssistantMessage(m.Content))
				continue
			}
			asst := &oa.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content = oa.ChatCompletionAssistantMessageParamContentUnion{OfString: oa.String(m.Content)}
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, oa.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &oa.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: oa.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			mm = append(mm, oa.ChatCompletionMessageParamUnion{OfAssistant: asst})
		default:
			mm = append(mm, oa.UserMessage(m.Content))
		}
	}
	return mm
}

func toTools(defs []agent.ToolDefinition) ([]oa.ChatCompletionToolUnionParam, error) {
	out := make([]oa.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var params map[string]any
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %s schema: %w", d.Name, err)
			}
		}
		fn := shared.FunctionDefinitionParam{
			Name:       d.Name,
			Parameters: shared.FunctionParameters(params),
		}
		if d.Description != "" {
			fn.Description = oa.String(d.Description)
		}
		out = append(out, oa.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

// Factory builds the OpenAI provider. cfg keys: api_key, model, base_url,
// max_retries (int), http_client (*http.Client).
func Factory(ctx context.Context, cfg map[string]any) (llm.LLM, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := llm.StringOpt(cfg, "api_key"); ok {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := llm.StringOpt(cfg, "model"); ok {
		model = v
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if v, ok := llm.StringOpt(cfg, "base_url"); ok {
		opts = append(opts, option.WithBaseURL(v))
	}
	if v, ok := cfg["max_retries"].(int); ok && v >= 0 {
		opts = append(opts, option.WithMaxRetries(v))
	}
	if hc, ok := cfg["http_client"].(*http.Client); ok && hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	c := oa.NewClient(opts...)
	return &clientWrapper{client: c, model: model}, nil
}

func init() {
	_ = llm.Register("openai", Factory)
}
