// Package output validates the final answer of an analysis run.
//
// The answer is a single JSON object with a narrative part (summary_markdown)
// and a closed machine_readable part. Anything else, including extra keys,
// numbers sent as strings, or text around the JSON, is rejected.
package output

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed final_output.schema.json
var schemaJSON []byte

const schemaURL = "mem://sigmasight/final_output.schema.json"

// ErrInvalidOutput is wrapped by every Parse failure.
var ErrInvalidOutput = errors.New("invalid output")

// FinalOutput is the validated answer of a run.
type FinalOutput struct {
	SummaryMarkdown string          `json:"summary_markdown"`
	MachineReadable MachineReadable `json:"machine_readable"`
}

type MachineReadable struct {
	Snapshot      Snapshot      `json:"snapshot"`
	Concentration Concentration `json:"concentration"`
	Factors       []Factor      `json:"factors,omitempty"`
	Scenarios     *Scenarios    `json:"scenarios,omitempty"`
	Gaps          []string      `json:"gaps,omitempty"`
	Actions       []string      `json:"actions,omitempty"`
}

// Snapshot fields are optional; absent values stay nil rather than zero.
type Snapshot struct {
	TotalValue    *float64 `json:"total_value,omitempty"`
	CashBalance   *float64 `json:"cash_balance,omitempty"`
	GrossExposure *float64 `json:"gross_exposure,omitempty"`
	NetExposure   *float64 `json:"net_exposure,omitempty"`
	LongExposure  *float64 `json:"long_exposure,omitempty"`
	ShortExposure *float64 `json:"short_exposure,omitempty"`
	Leverage      *float64 `json:"leverage,omitempty"`
	PositionCount *float64 `json:"position_count,omitempty"`
	Beta          *float64 `json:"beta,omitempty"`
	VaR1d99       *float64 `json:"var_1d_99,omitempty"`
	ES1d975       *float64 `json:"es_1d_975,omitempty"`
}

type Concentration struct {
	Top1       *float64 `json:"top1,omitempty"`
	Top3       *float64 `json:"top3,omitempty"`
	Top5       *float64 `json:"top5,omitempty"`
	HHI        *float64 `json:"hhi,omitempty"`
	EffectiveN *float64 `json:"effective_n,omitempty"`
}

type Factor struct {
	Name     string  `json:"name"`
	Exposure float64 `json:"exposure"`
}

type Scenarios struct {
	Best  []Scenario `json:"best,omitempty"`
	Worst []Scenario `json:"worst,omitempty"`
}

type Scenario struct {
	Name   string  `json:"name"`
	PnLPct float64 `json:"pnl_pct"`
}

// Schema returns the JSON Schema the final answer must satisfy.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// Parse validates text as a final answer. Surrounding whitespace is ignored;
// everything else must be one JSON object conforming to Schema.
func Parse(text string) (*FinalOutput, error) {
	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("output: compile schema: %w", err)
	}
	raw := []byte(strings.TrimSpace(text))
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidOutput)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrInvalidOutput)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var out FinalOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return &out, nil
}
