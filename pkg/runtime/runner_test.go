package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/adapters/llm/llmtest"
	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/agent/tools"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/backend/backendtest"
	"github.com/elliottng/sigmasight/pkg/errmodel"
	"github.com/elliottng/sigmasight/pkg/store"
)

const args = `{"portfolio_id":"p1"}`

func finalJSON(gaps ...string) string {
	if gaps == nil {
		gaps = []string{}
	}
	g, _ := json.Marshal(gaps)
	return `{"summary_markdown":"## p1\nHeavily concentrated in AAPL.","machine_readable":{` +
		`"snapshot":{"total_value":1000000,"var_1d_99":25000,"es_1d_975":31000},` +
		`"concentration":{"top1":0.5,"top3":1,"top5":1,"hhi":0.38,"effective_n":2.63},` +
		`"gaps":` + string(g) + `}}`
}

func portfolioRegistry(t *testing.T, f backendtest.Fixtures) (*agent.Registry, *backendtest.Server) {
	t.Helper()
	srv := backendtest.NewServer(t, f)
	client, err := backend.New(srv.URL)
	require.NoError(t, err)
	reg := agent.NewRegistry()
	require.NoError(t, tools.Register(reg, client))
	return reg, srv
}

func newRunner(t *testing.T, model llm.LLM, reg *agent.Registry, cfg Config, opts ...RunnerOption) *Runner {
	t.Helper()
	r, err := NewRunner(model, reg, cfg, opts...)
	require.NoError(t, err)
	return r
}

// echoTool records invocations and reports the concurrency it observed.
type echoTool struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (e *echoTool) Describe() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "echo",
		Description: "echoes n",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
	}
}

func (e *echoTool) Invoke(ctx context.Context, in map[string]any) (agent.Outcome, error) {
	e.calls.Add(1)
	cur := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		prev := e.maxSeen.Load()
		if cur <= prev || e.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
	}
	return agent.Succeeded(map[string]any{"n": in["n"]}, "test.echo"), nil
}

func toolMessages(msgs []agent.Message) []agent.Message {
	var out []agent.Message
	for _, m := range msgs {
		if m.Role == agent.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func decodeOutcome(t *testing.T, m agent.Message) agent.Outcome {
	t.Helper()
	var o agent.Outcome
	require.NoError(t, json.Unmarshal([]byte(m.Content), &o))
	return o
}

func TestRunTwoRoundTrips(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(
		llmtest.Calls(
			llmtest.Call("c1", "get_portfolio_snapshot", args),
			llmtest.Call("c2", "get_risk_metrics", args),
			llmtest.Call("c3", "get_concentration_metrics", args),
		),
		llmtest.Turn{
			Message: agent.Message{Content: finalJSON()},
			Inspect: func(req llm.Request) {
				assert.Len(t, req.Messages, 6)
				assert.Len(t, req.Tools, 6)
			},
		},
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Zero(t, res.ProtocolViolations)
	assert.Empty(t, res.Output.MachineReadable.Gaps)
	require.Len(t, res.Transcript, 7)
	assert.Equal(t, agent.RoleSystem, res.Transcript[0].Role)
	assert.Contains(t, res.Transcript[1].Content, `"portfolio_id":"p1"`)

	tms := toolMessages(res.Transcript)
	require.Len(t, tms, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, tms[i].ToolCallID)
		assert.True(t, decodeOutcome(t, tms[i]).Success, tms[i].Content)
	}
	assert.Contains(t, tms[2].Content, `"position_count":3`)
	assert.Positive(t, res.TranscriptTokens)
}

func TestRiskMetricsHTTPErrorBecomesGap(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default().With(backendtest.RiskMetrics, backendtest.Response{Status: 500, Body: `{"detail":"boom"}`}))
	model := llmtest.NewScriptedModel(
		llmtest.Calls(llmtest.Call("r1", "get_risk_metrics", args)),
		llmtest.Turn{
			Message: agent.Message{Content: finalJSON("var_es_calculations_missing")},
			Inspect: func(req llm.Request) {
				last := req.Messages[len(req.Messages)-1]
				assert.Equal(t, agent.RoleTool, last.Role)
				o := decodeOutcome(t, last)
				assert.False(t, o.Success)
				assert.Equal(t, []string{"var_es_calculations_missing"}, o.Gaps)
			},
		},
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"var_es_calculations_missing"}, res.Output.MachineReadable.Gaps)
}

func TestBoundExhaustionStopsModelCalls(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	turns := make([]llmtest.Turn, 6)
	for i := range turns {
		turns[i] = llmtest.Calls(llmtest.Call(fmt.Sprintf("c%d", i), "get_portfolio_snapshot", args))
	}
	model := llmtest.NewScriptedModel(turns...)
	_, err := newRunner(t, model, reg, Config{MaxIterations: 3}).Run(context.Background(), Input{PortfolioID: "p1"})

	require.ErrorIs(t, err, ErrMaxIterationsExceeded)
	assert.Equal(t, "MaxIterationsExceeded", ErrMaxIterationsExceeded.Error())
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Iterations)
	assert.Equal(t, 3, model.CallCount())
	assert.Equal(t, errmodel.CodeMaxIterationsExceeded, errmodel.From(err).Code)
}

func TestToolPanicIsContained(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(agent.ToolFunc{
		Definition: agent.ToolDefinition{Name: "explode", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Fn: func(context.Context, map[string]any) (agent.Outcome, error) {
			panic("kaboom")
		},
	}))
	model := llmtest.NewScriptedModel(
		llmtest.Calls(llmtest.Call("x1", "explode", `{}`)),
		llmtest.Text(finalJSON("explode_execution_failed")),
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)
	tms := toolMessages(res.Transcript)
	require.Len(t, tms, 1)
	o := decodeOutcome(t, tms[0])
	assert.False(t, o.Success)
	assert.Equal(t, []string{"explode_execution_failed"}, o.Gaps)
	assert.Contains(t, o.Error, "kaboom")
}

func TestConcurrentCallsRoundTripInOrder(t *testing.T) {
	echo := &echoTool{delay: 5 * time.Millisecond}
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(echo))

	const n = 12
	calls := make([]agent.ToolCall, n)
	for i := range calls {
		calls[i] = llmtest.Call(fmt.Sprintf("id-%02d", i), "echo", fmt.Sprintf(`{"n":%d}`, i))
	}
	model := llmtest.NewScriptedModel(llmtest.Calls(calls...), llmtest.Text(finalJSON()))
	res, err := newRunner(t, model, reg, Config{ToolConcurrency: 4}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)

	tms := toolMessages(res.Transcript)
	require.Len(t, tms, n)
	for i, m := range tms {
		assert.Equal(t, calls[i].ID, m.ToolCallID)
		assert.Equal(t, "echo", m.Name)
		assert.Contains(t, m.Content, fmt.Sprintf(`"n":%d`, i))
	}
	assert.EqualValues(t, n, echo.calls.Load())
	assert.LessOrEqual(t, echo.maxSeen.Load(), int32(4))
}

func TestDuplicateCallIDsExecuteOnce(t *testing.T) {
	echo := &echoTool{}
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(echo))
	model := llmtest.NewScriptedModel(
		llmtest.Calls(
			llmtest.Call("a", "echo", `{"n":1}`),
			llmtest.Call("a", "echo", `{"n":2}`),
			llmtest.Call("b", "echo", `{"n":3}`),
		),
		llmtest.Text(finalJSON()),
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.ProtocolViolations)
	assert.EqualValues(t, 2, echo.calls.Load())
	tms := toolMessages(res.Transcript)
	require.Len(t, tms, 2)
	assert.Equal(t, "a", tms[0].ToolCallID)
	assert.Contains(t, tms[0].Content, `"n":1`)
	assert.Equal(t, "b", tms[1].ToolCallID)

	var first, second agent.Outcome
	require.NoError(t, json.Unmarshal([]byte(tms[0].Content), &first))
	require.NoError(t, json.Unmarshal([]byte(tms[1].Content), &second))
	assert.True(t, first.Success)
	assert.Equal(t, []string{agent.DuplicateCallIDGap}, first.Gaps)
	assert.Empty(t, second.Gaps)
}

func TestMissingCallIDsAreAssigned(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(
		llmtest.Calls(llmtest.Call("", "get_portfolio_snapshot", args)),
		llmtest.Text(finalJSON()),
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)

	assistant := res.Transcript[2]
	require.Len(t, assistant.ToolCalls, 1)
	id := assistant.ToolCalls[0].ID
	assert.True(t, strings.HasPrefix(id, "call_"), id)
	assert.Equal(t, id, toolMessages(res.Transcript)[0].ToolCallID)
}

func TestArgumentFailuresBecomeOutcomes(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(
		llmtest.Calls(
			llmtest.Call("m1", "get_positions", `{"portfolio_id":`),
			llmtest.Call("m2", "get_positions", `{"portfolio_id":"p1","limit":0}`),
			llmtest.Call("m3", "get_var", args),
			llmtest.Call("m4", "get_positions", `{"portfolio_id":"p1","limit":2}`),
		),
		llmtest.Text(finalJSON()),
	)
	res, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)

	tms := toolMessages(res.Transcript)
	require.Len(t, tms, 4)
	malformed := decodeOutcome(t, tms[0])
	assert.Equal(t, []string{"get_positions_execution_failed"}, malformed.Gaps)
	invalid := decodeOutcome(t, tms[1])
	assert.Equal(t, []string{"get_positions_invalid_arguments"}, invalid.Gaps)
	unknown := decodeOutcome(t, tms[2])
	assert.False(t, unknown.Success)
	assert.Contains(t, unknown.Error, "Unknown tool: get_var")
	assert.True(t, decodeOutcome(t, tms[3]).Success)
}

func TestCancellationBeforeModelCall(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Text(finalJSON()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newRunner(t, model, reg, Config{}).Run(ctx, Input{PortfolioID: "p1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, model.CallCount())
	assert.Equal(t, errmodel.CodeCancelled, errmodel.From(err).Code)
}

func TestCancellationBetweenTurns(t *testing.T) {
	echo := &echoTool{}
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(echo))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := llmtest.Calls(llmtest.Call("a", "echo", `{"n":1}`))
	first.Inspect = func(llm.Request) { cancel() }
	model := llmtest.NewScriptedModel(first, llmtest.Text(finalJSON()))

	st := store.NewMemory()
	_, err := newRunner(t, model, reg, Config{}, WithArchive(st), WithRunIDGenerator(func() string { return "run-c" })).
		Run(ctx, Input{PortfolioID: "p1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, model.CallCount())

	rec, err := st.GetRun(context.Background(), "run-c")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, rec.Status)
	var transcript []agent.Message
	require.NoError(t, json.Unmarshal(rec.Transcript, &transcript))
	assert.Equal(t, agent.RoleTool, transcript[len(transcript)-1].Role)
}

func TestInvalidOutputStopsRun(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Text("The portfolio looks fine."), llmtest.Text(finalJSON()))
	st := store.NewMemory()
	_, err := newRunner(t, model, reg, Config{}, WithArchive(st), WithRunIDGenerator(func() string { return "run-1" })).
		Run(context.Background(), Input{PortfolioID: "p1"})

	require.ErrorIs(t, err, ErrInvalidOutput)
	assert.Equal(t, 1, model.CallCount())
	assert.Equal(t, errmodel.CodeInvalidOutput, errmodel.From(err).Code)
	assert.Equal(t, 502, errmodel.HTTPStatus(errmodel.From(err)))

	rec, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "invalid output")
	assert.Empty(t, rec.Output)
}

func TestInvalidOutputRetry(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(
		llmtest.Text("```json\n"+finalJSON()+"\n```"),
		llmtest.Turn{
			Message: agent.Message{Content: finalJSON()},
			Inspect: func(req llm.Request) {
				last := req.Messages[len(req.Messages)-1]
				assert.Equal(t, agent.RoleUser, last.Role)
				assert.Contains(t, last.Content, "rejected")
			},
		},
	)
	res, err := newRunner(t, model, reg, Config{FinalOutputRetries: 1}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, 1, res.Iterations)
}

func TestRetriesAreBounded(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Text("no"), llmtest.Text("still no"), llmtest.Text(finalJSON()))
	_, err := newRunner(t, model, reg, Config{FinalOutputRetries: 1}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.ErrorIs(t, err, ErrInvalidOutput)
	assert.Equal(t, 2, model.CallCount())
}

func TestModelErrorAbortsRun(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Turn{Err: errors.New("rate limited")})
	_, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1"})
	require.ErrorIs(t, err, ErrModelCall)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, errmodel.CodeModelCall, errmodel.From(err).Code)
}

func TestEmptyPortfolioIsRejectedBeforeRun(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Text(finalJSON()))
	_, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "  "})
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	assert.Equal(t, errmodel.CodeInvalidArguments, errmodel.From(err).Code)
	var re *RunError
	assert.False(t, errors.As(err, &re))
}

func TestCredentialIsForwarded(t *testing.T) {
	reg, srv := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(
		llmtest.Calls(llmtest.Call("c1", "get_portfolio_snapshot", args)),
		llmtest.Text(finalJSON()),
	)
	_, err := newRunner(t, model, reg, Config{}).Run(context.Background(), Input{PortfolioID: "p1", Credential: "user-token"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer user-token"}, srv.Authorizations())
}

func TestArchiveRecordsSuccess(t *testing.T) {
	reg, _ := portfolioRegistry(t, backendtest.Default())
	model := llmtest.NewScriptedModel(llmtest.Text(finalJSON()))
	st := store.NewMemory()
	res, err := newRunner(t, model, reg, Config{}, WithArchive(st)).
		Run(context.Background(), Input{PortfolioID: "p1", AsOfDate: "2025-06-30"})
	require.NoError(t, err)

	rec, err := st.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, "2025-06-30", rec.AsOfDate)
	assert.Equal(t, 1, rec.ModelCalls)
	assert.Contains(t, string(rec.Output), "summary_markdown")
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
}

func TestNewRunnerValidation(t *testing.T) {
	reg := agent.NewRegistry()
	model := llmtest.NewScriptedModel()
	_, err := NewRunner(nil, reg, Config{})
	assert.Error(t, err)
	_, err = NewRunner(model, nil, Config{})
	assert.Error(t, err)
	_, err = NewRunner(model, reg, Config{ToolConcurrency: -1})
	assert.Error(t, err)
	_, err = NewRunner(model, reg, Config{PromptVersion: 7})
	assert.Error(t, err)

	r, err := NewRunner(model, reg, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), r.Config())

	_, err = r.Run(context.Background(), Input{})
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
}
