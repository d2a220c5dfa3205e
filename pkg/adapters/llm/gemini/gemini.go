package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	genai "google.golang.org/genai"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
)

const defaultModel = "gemini-2.5-flash"

type clientWrapper struct {
	client *genai.Client
	model  string
}

func (c *clientWrapper) Name() string { return "gemini" }

func (c *clientWrapper) Generate(ctx context.Context, req llm.Request) (llm.GenerateResult, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	system, contents, err := toContents(req.Messages)
	if err != nil {
		return llm.GenerateResult{}, err
	}
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(req.Tools)}}
	}

	res, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return llm.GenerateResult{}, err
	}
	out := agent.Message{Role: agent.RoleAssistant, Content: responseText(res)}
	for _, fc := range res.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return llm.GenerateResult{}, fmt.Errorf("gemini: encode args for %s: %w", fc.Name, err)
		}
		if fc.Args == nil {
			args = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
	}
	result := llm.GenerateResult{Message: out, Model: model}
	if u := res.UsageMetadata; u != nil {
		result.PromptTokens = int(u.PromptTokenCount)
		result.OutputTokens = int(u.CandidatesTokenCount)
		result.TotalTokens = int(u.TotalTokenCount)
	}
	return result, nil
}

// toContents converts a transcript. System messages become the system
// instruction; consecutive tool messages are merged into one user turn of
// function responses.
func toContents(messages []agent.Message) (*genai.Content, []*genai.Content, error) {
	var (
		sys      []string
		contents []*genai.Content
		pending  *genai.Content
	)
	flush := func() {
		if pending != nil {
			contents = append(contents, pending)
			pending = nil
		}
	}
	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			sys = append(sys, m.Content)
		case agent.RoleTool:
			if pending == nil {
				pending = genai.NewContentFromParts(nil, genai.RoleUser)
			}
			pending.Parts = append(pending.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: responseMap(m.Content),
			}})
		case agent.RoleAssistant:
			flush()
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, nil, fmt.Errorf("gemini: tool call %s arguments: %w", tc.ID, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		default:
			flush()
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	flush()
	var system *genai.Content
	if len(sys) > 0 {
		system = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
	}
	return system, contents, nil
}

// responseText joins the text parts of the first candidate, skipping thoughts.
func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func responseMap(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"output": content}
}

func toDeclarations(defs []agent.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{Name: d.Name, Description: d.Description}
		var schema map[string]any
		if len(d.InputSchema) > 0 && json.Unmarshal(d.InputSchema, &schema) == nil {
			fd.ParametersJsonSchema = schema
		}
		out = append(out, fd)
	}
	return out
}

// Factory creates a Gemini LLM client using GOOGLE_API_KEY by default.
func Factory(ctx context.Context, cfg map[string]any) (llm.LLM, error) { // nolint: revive
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if v, ok := llm.StringOpt(cfg, "api_key"); ok {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY or cfg.api_key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	model := defaultModel
	if v, ok := llm.StringOpt(cfg, "model"); ok {
		model = v
	}
	return &clientWrapper{client: client, model: model}, nil
}

func init() {
	_ = llm.Register("gemini", Factory)
}
