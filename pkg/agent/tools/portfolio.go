package tools

import (
	"context"
	"math"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/concentration"
	"github.com/elliottng/sigmasight/pkg/errmodel"
)

const (
	maxPositionsLimit = 500
	largestHoldings   = 5
)

// PortfolioArgs identifies the portfolio and valuation date of a read.
type PortfolioArgs struct {
	PortfolioID string `json:"portfolio_id" jsonschema:"identifier of the portfolio to analyze"`
	AsOfDate    string `json:"as_of_date,omitempty" jsonschema:"valuation date formatted YYYY-MM-DD, latest available when omitted"`
}

type PositionsArgs struct {
	PortfolioID string `json:"portfolio_id" jsonschema:"identifier of the portfolio to analyze"`
	AsOfDate    string `json:"as_of_date,omitempty" jsonschema:"valuation date formatted YYYY-MM-DD, latest available when omitted"`
	Limit       int    `json:"limit,omitempty" jsonschema:"return only the largest positions by absolute market value"`
}

func unavailable(what, portfolioID, gap string) agent.Outcome {
	err := errmodel.Network(errmodel.CodeDataUnavailable, what+" unavailable for portfolio "+portfolioID, nil, nil)
	return agent.Failed(err, gap)
}

func snapshotTool(src DataSource) (agent.Tool, error) {
	return newTool("get_portfolio_snapshot",
		"Portfolio overview: total value, cash, gross/net/long/short exposure, leverage and position count.",
		nil,
		func(ctx context.Context, a PortfolioArgs) agent.Outcome {
			snap, ok := src.PortfolioSnapshot(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("portfolio snapshot", a.PortfolioID, "portfolio_snapshot_missing")
			}
			return agent.Succeeded(snap, "analytics.portfolio_overview")
		})
}

// PositionsView is the positions payload handed to the model.
type PositionsView struct {
	PortfolioID string             `json:"portfolio_id,omitempty"`
	AsOfDate    string             `json:"as_of_date,omitempty"`
	TotalCount  int                `json:"total_count"`
	Positions   []backend.Position `json:"positions"`
}

func positionsTool(src DataSource) (agent.Tool, error) {
	return newTool("get_positions",
		"Position-level holdings with signed market values. Use limit to return only the largest positions.",
		nil,
		func(ctx context.Context, a PositionsArgs) agent.Outcome {
			pl, ok := src.Positions(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("positions", a.PortfolioID, "positions_missing")
			}
			view := PositionsView{
				PortfolioID: pl.PortfolioID,
				AsOfDate:    pl.AsOfDate,
				TotalCount:  len(pl.Positions),
				Positions:   largest(pl.Positions, a.Limit),
			}
			return agent.Succeeded(view, "data.positions_details")
		})
}

// largest returns up to limit positions ordered by absolute market value.
// limit <= 0 returns all positions in their original order.
func largest(in []backend.Position, limit int) []backend.Position {
	out := make([]backend.Position, len(in))
	copy(out, in)
	if limit <= 0 {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].MarketValue) > math.Abs(out[j].MarketValue)
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

func factorExposuresTool(src DataSource) (agent.Tool, error) {
	return newTool("get_factor_exposures",
		"Portfolio factor betas as computed by the analytics factor model.",
		nil,
		func(ctx context.Context, a PortfolioArgs) agent.Outcome {
			fe, ok := src.FactorExposures(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("factor exposures", a.PortfolioID, "factor_exposures_missing")
			}
			return agent.Succeeded(fe, "analytics.factor_exposures")
		})
}

func riskMetricsTool(src DataSource) (agent.Tool, error) {
	return newTool("get_risk_metrics",
		"Precomputed one-day 99% VaR, one-day 97.5% expected shortfall, beta and volatility.",
		nil,
		func(ctx context.Context, a PortfolioArgs) agent.Outcome {
			rm, ok := src.RiskMetrics(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("risk metrics", a.PortfolioID, "var_es_calculations_missing")
			}
			return agent.Succeeded(rm, "analytics.risk_metrics")
		})
}

func stressTestTool(src DataSource) (agent.Tool, error) {
	return newTool("run_stress_test",
		"Precomputed stress scenario results with P&L as a fraction of portfolio value.",
		nil,
		func(ctx context.Context, a PortfolioArgs) agent.Outcome {
			st, ok := src.StressTest(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("stress test results", a.PortfolioID, "stress_test_results_missing")
			}
			return agent.Succeeded(st, "analytics.stress_test")
		})
}

// Holding is one entry of the largest-holdings list.
type Holding struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

// ConcentrationResult is the data returned by get_concentration_metrics.
type ConcentrationResult struct {
	Metrics       concentration.Metrics `json:"metrics"`
	PositionCount int                   `json:"position_count"`
	GrossValue    float64               `json:"gross_value"`
	Largest       []Holding             `json:"largest"`
}

func concentrationTool(src DataSource) (agent.Tool, error) {
	out, err := jsonschema.For[ConcentrationResult](nil)
	if err != nil {
		return nil, err
	}
	return newTool("get_concentration_metrics",
		"Concentration of gross exposure across positions: top-1/3/5 share, HHI and effective number of positions.",
		out,
		func(ctx context.Context, a PortfolioArgs) agent.Outcome {
			pl, ok := src.Positions(ctx, a.PortfolioID, a.AsOfDate)
			if !ok {
				return unavailable("positions", a.PortfolioID, "concentration_inputs_missing")
			}
			gross := pl.GrossValues()
			var total float64
			for _, v := range gross {
				total += v
			}
			if total <= 0 {
				err := errmodel.Validation(errmodel.CodeDataUnavailable, "portfolio "+a.PortfolioID+" has no gross exposure", nil)
				return agent.Failed(err, "concentration_inputs_missing")
			}
			res := ConcentrationResult{
				Metrics:       concentration.FromWeights(gross),
				PositionCount: len(gross),
				GrossValue:    total,
				Largest:       []Holding{},
			}
			for _, p := range largest(pl.Positions, largestHoldings) {
				res.Largest = append(res.Largest, Holding{Symbol: p.Symbol, Weight: math.Abs(p.MarketValue) / total})
			}
			return agent.Succeeded(res, "derived.concentration")
		})
}
