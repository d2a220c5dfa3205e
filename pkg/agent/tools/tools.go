// Package tools implements the read-only portfolio capabilities exposed to
// the model. Each tool wraps one analytics read (or pure math over one) and
// reports absent data as a failed outcome naming the gap.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/backend"
)

// DataSource is the subset of the analytics client the tools depend on.
// *backend.Client satisfies it.
type DataSource interface {
	PortfolioSnapshot(ctx context.Context, portfolioID, asOf string) (*backend.Snapshot, bool)
	Positions(ctx context.Context, portfolioID, asOf string) (*backend.PositionList, bool)
	FactorExposures(ctx context.Context, portfolioID, asOf string) (*backend.FactorExposures, bool)
	RiskMetrics(ctx context.Context, portfolioID, asOf string) (*backend.RiskMetrics, bool)
	StressTest(ctx context.Context, portfolioID, asOf string) (*backend.StressTestResults, bool)
}

const datePattern = `^\d{4}-\d{2}-\d{2}$`

// Register adds every portfolio tool backed by src to reg.
func Register(reg *agent.Registry, src DataSource) error {
	builders := []func(DataSource) (agent.Tool, error){
		snapshotTool,
		positionsTool,
		factorExposuresTool,
		riskMetricsTool,
		stressTestTool,
		concentrationTool,
	}
	for _, build := range builders {
		t, err := build(src)
		if err != nil {
			return err
		}
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// typedTool decodes validated arguments into A before running.
type typedTool[A any] struct {
	def agent.ToolDefinition
	run func(ctx context.Context, args A) agent.Outcome
}

func (t typedTool[A]) Describe() agent.ToolDefinition { return t.def }

func (t typedTool[A]) Invoke(ctx context.Context, raw map[string]any) (agent.Outcome, error) {
	var args A
	b, err := json.Marshal(raw)
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(b, &args); err != nil {
		return agent.Outcome{}, fmt.Errorf("decode arguments: %w", err)
	}
	return t.run(ctx, args), nil
}

// newTool derives the parameter schema from A. A non-nil output schema is
// enforced by the registry on success.
func newTool[A any](name, description string, output *jsonschema.Schema, run func(context.Context, A) agent.Outcome) (agent.Tool, error) {
	in, err := jsonschema.For[A](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	refine(in)
	def := agent.ToolDefinition{Name: name, Description: description}
	if def.InputSchema, err = json.Marshal(in); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if output != nil {
		if def.OutputSchema, err = json.Marshal(output); err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
	}
	return typedTool[A]{def: def, run: run}, nil
}

// refine adds the constraints struct tags cannot express.
func refine(s *jsonschema.Schema) {
	if p := s.Properties["portfolio_id"]; p != nil {
		p.MinLength = jsonschema.Ptr(1)
	}
	if p := s.Properties["as_of_date"]; p != nil {
		p.Pattern = datePattern
	}
	if p := s.Properties["limit"]; p != nil {
		p.Minimum = jsonschema.Ptr(1.0)
		p.Maximum = jsonschema.Ptr(float64(maxPositionsLimit))
	}
}
