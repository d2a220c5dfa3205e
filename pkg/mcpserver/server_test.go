package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/agent/tools"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/backend/backendtest"
)

func connect(t *testing.T, f backendtest.Fixtures, opts ...Option) (*mcp.ClientSession, *backendtest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := backendtest.NewServer(t, f)
	client, err := backend.New(srv.URL)
	require.NoError(t, err)
	reg := agent.NewRegistry()
	require.NoError(t, tools.Register(reg, client))

	s, err := New(reg, opts...)
	require.NoError(t, err)
	st, ct := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	c := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := c.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, srv
}

func callOutcome(t *testing.T, cs *mcp.ClientSession, name string, args any) (agent.Outcome, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var o agent.Outcome
	require.NoError(t, json.Unmarshal([]byte(text.Text), &o))
	return o, res.IsError
}

func TestListTools(t *testing.T) {
	cs, _ := connect(t, backendtest.Default())
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"get_concentration_metrics", "get_factor_exposures", "get_portfolio_snapshot",
		"get_positions", "get_risk_metrics", "run_stress_test",
	}, names)
}

func TestCallToolSuccess(t *testing.T) {
	cs, srv := connect(t, backendtest.Default(), WithCredential("mcp-token"))
	o, isErr := callOutcome(t, cs, "get_risk_metrics", map[string]any{"portfolio_id": "p1"})
	assert.False(t, isErr)
	assert.True(t, o.Success)
	assert.Equal(t, "analytics.risk_metrics", o.Source)
	assert.Equal(t, []string{"Bearer mcp-token"}, srv.Authorizations())
}

func TestCallToolFailureIsError(t *testing.T) {
	cs, _ := connect(t, backendtest.Default().With(backendtest.RiskMetrics, backendtest.Response{Status: 500}))
	o, isErr := callOutcome(t, cs, "get_risk_metrics", map[string]any{"portfolio_id": "p1"})
	assert.True(t, isErr)
	assert.False(t, o.Success)
	assert.Equal(t, []string{"var_es_calculations_missing"}, o.Gaps)
}

func TestCallToolInvalidArguments(t *testing.T) {
	cs, _ := connect(t, backendtest.Default())
	o, isErr := callOutcome(t, cs, "get_positions", map[string]any{"portfolio_id": "p1", "limit": 0})
	assert.True(t, isErr)
	assert.Equal(t, []string{"get_positions_invalid_arguments"}, o.Gaps)
}

func TestNewRejectsNonObjectSchema(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(agent.ToolFunc{
		Definition: agent.ToolDefinition{Name: "scalar", InputSchema: json.RawMessage(`{"type":"string"}`)},
		Fn: func(context.Context, map[string]any) (agent.Outcome, error) {
			return agent.Succeeded(nil, ""), nil
		},
	}))
	_, err := New(reg)
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}
