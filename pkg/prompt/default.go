package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/elliottng/sigmasight/pkg/output"
)

// AnalystPrompt is the name of the portfolio analyst system prompt.
const AnalystPrompt = "portfolio_analyst"

//go:embed analyst.tmpl
var analystTemplate string

var analystTools = []string{
	"get_portfolio_snapshot: total value, exposures, leverage and position count",
	"get_positions: the largest holdings by absolute market value",
	"get_factor_exposures: factor betas",
	"get_risk_metrics: 1-day 99% VaR and 97.5% expected shortfall",
	"run_stress_test: scenario P&L; pick the best and worst scenarios for the output",
	"get_concentration_metrics: top1/top3/top5 weight, HHI and effective number of positions",
}

// RenderAnalyst renders the analyst prompt body with the final output schema embedded.
func RenderAnalyst() (string, error) {
	tmpl, err := template.New(AnalystPrompt).Parse(analystTemplate)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	err = tmpl.Execute(&sb, struct {
		Tools  []string
		Schema string
	}{Tools: analystTools, Schema: strings.TrimSpace(string(output.Schema()))})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// DefaultStore returns a store seeded with version 1 of the analyst prompt.
func DefaultStore() (*Store, error) {
	body, err := RenderAnalyst()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", AnalystPrompt, err)
	}
	s := NewStore()
	if _, issues, err := s.Save(Prompt{
		Name: AnalystPrompt,
		Body: body,
		Meta: map[string]string{"contract": ContractFinalOutput},
	}); err != nil {
		return nil, fmt.Errorf("seed %s: %w %v", AnalystPrompt, err, issues)
	}
	return s, nil
}
