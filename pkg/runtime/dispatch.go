package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/errmodel"
)

// executeTools runs one turn of tool calls and appends exactly one tool
// message per distinct call id, in request order. Repeated ids within the
// turn are not executed; they count as protocol violations and the first
// call's outcome carries agent.DuplicateCallIDGap so the model sees them.
func (r *Runner) executeTools(ctx context.Context, st *runState, calls []agent.ToolCall, log zerolog.Logger) {
	index := make(map[string]int, len(calls))
	distinct := make([]agent.ToolCall, 0, len(calls))
	repeated := make([]bool, 0, len(calls))
	for _, c := range calls {
		if i, dup := index[c.ID]; dup {
			st.violations++
			repeated[i] = true
			log.Warn().Str("call_id", c.ID).Str("tool", c.Name).Msg("duplicate tool call id not executed")
			continue
		}
		index[c.ID] = len(distinct)
		distinct = append(distinct, c)
		repeated = append(repeated, false)
	}

	results := make([]agent.Outcome, len(distinct))
	var g errgroup.Group
	g.SetLimit(r.cfg.ToolConcurrency)
	for i, c := range distinct {
		g.Go(func() error {
			results[i] = r.runTool(ctx, st.runID, c, log)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range distinct {
		if repeated[i] {
			results[i].Gaps = append(results[i].Gaps, agent.DuplicateCallIDGap)
		}
		st.append(agent.Message{
			Role:       agent.RoleTool,
			ToolCallID: c.ID,
			Name:       c.Name,
			Content:    results[i].Encode(),
		})
	}
}

// runTool never panics and never returns an error: every failure becomes a
// failed outcome.
func (r *Runner) runTool(ctx context.Context, runID string, call agent.ToolCall, log zerolog.Logger) (out agent.Outcome) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Runner.Tool", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			out = agent.Failed(
				errmodel.Tool(errmodel.CodeExecutionFailed, fmt.Sprintf("%s panicked: %v", call.Name, p), nil, nil),
				agent.ExecutionFailedGap(call.Name),
			)
		}
		span.SetAttributes(attribute.Bool("tool.success", out.Success))
		log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Bool("success", out.Success).Strs("gaps", out.Gaps).Msg("tool executed")
	}()

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return agent.Failed(
			errmodel.Tool(errmodel.CodeExecutionFailed, fmt.Sprintf("%s: arguments are not a JSON object: %v", call.Name, err), nil, err),
			agent.ExecutionFailedGap(call.Name),
		)
	}
	if r.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ToolTimeout)
		defer cancel()
	}
	return r.reg.Execute(ctx, call.Name, args)
}

// parseArguments decodes the model's argument text. Empty text and null
// are treated as an empty object.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
