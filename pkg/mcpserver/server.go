// Package mcpserver exposes the portfolio capability registry as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/errmodel"
)

const implementationName = "sigmasight"

// Server wraps an MCP server whose tools dispatch into an agent.Registry.
type Server struct {
	srv     *mcp.Server
	reg     *agent.Registry
	log     zerolog.Logger
	version string
	token   string
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithCredential forwards token to the backend on every tool call.
func WithCredential(token string) Option { return func(s *Server) { s.token = token } }

// New registers every tool in reg with a fresh MCP server.
func New(reg *agent.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("mcpserver: registry is nil")
	}
	s := &Server{reg: reg, log: zerolog.Nop(), version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: implementationName, Version: s.version}, nil)
	for _, def := range reg.Definitions() {
		if err := requireObjectSchema(def); err != nil {
			return nil, err
		}
		s.srv.AddTool(&mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}, s.handler(def.Name))
	}
	return s, nil
}

// mcp.Server.AddTool panics on non-object input schemas.
func requireObjectSchema(def agent.ToolDefinition) error {
	var m map[string]any
	if err := json.Unmarshal(def.InputSchema, &m); err != nil {
		return fmt.Errorf("mcpserver: tool %q schema: %w", def.Name, err)
	}
	if m["type"] != "object" {
		return fmt.Errorf("mcpserver: tool %q input schema must have type object", def.Name)
	}
	return nil
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				ce := errmodel.Validation(errmodel.CodeInvalidArguments, "arguments must be a JSON object: "+err.Error(), nil)
				return result(agent.Failed(ce, agent.InvalidArgumentsGap(name))), nil
			}
			if args == nil {
				args = map[string]any{}
			}
		}
		out := s.reg.Execute(backend.WithCredential(ctx, s.token), name, args)
		s.log.Debug().Str("tool", name).Bool("success", out.Success).Strs("gaps", out.Gaps).Msg("mcp tool call")
		return result(out), nil
	}
}

func result(out agent.Outcome) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: out.Encode()}},
		IsError: !out.Success,
	}
}

// Run serves over t until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	s.log.Info().Int("tools", s.reg.Len()).Msg("mcp server started")
	return s.srv.Run(ctx, t)
}

// ServeStdio serves over stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Connect starts one session over t without blocking.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}
