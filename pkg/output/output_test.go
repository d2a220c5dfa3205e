package output

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{}}}`

const full = `
  {
    "summary_markdown": "## Portfolio\nConcentrated in tech.",
    "machine_readable": {
      "snapshot": {"total_value": 1000000, "gross_exposure": 1200000, "net_exposure": 800000, "var_1d_99": 25000, "es_1d_975": 31000, "position_count": 12},
      "concentration": {"top1": 0.5, "top3": 1, "top5": 1, "hhi": 0.38, "effective_n": 2.63},
      "factors": [{"name": "Market Beta", "exposure": 1.1}],
      "scenarios": {"best": [{"name": "Rally", "pnl_pct": 0.08}], "worst": [{"name": "Covid", "pnl_pct": -0.12}]},
      "gaps": [],
      "actions": ["Trim the largest position"]
    }
  }
`

func TestParseMinimal(t *testing.T) {
	out, err := Parse(minimal)
	require.NoError(t, err)
	assert.Equal(t, "x", out.SummaryMarkdown)
	assert.Nil(t, out.MachineReadable.Snapshot.TotalValue)
	assert.Nil(t, out.MachineReadable.Scenarios)
}

func TestParseFull(t *testing.T) {
	out, err := Parse(full)
	require.NoError(t, err)
	mr := out.MachineReadable
	require.NotNil(t, mr.Snapshot.VaR1d99)
	assert.InDelta(t, 25000, *mr.Snapshot.VaR1d99, 1e-9)
	require.NotNil(t, mr.Concentration.HHI)
	assert.InDelta(t, 0.38, *mr.Concentration.HHI, 1e-9)
	require.Len(t, mr.Factors, 1)
	require.NotNil(t, mr.Scenarios)
	assert.Equal(t, "Covid", mr.Scenarios.Worst[0].Name)
	assert.Empty(t, mr.Gaps)
	assert.Equal(t, []string{"Trim the largest position"}, mr.Actions)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":                  "   ",
		"prose":                  "Here is your analysis: the portfolio is fine.",
		"fenced":                 "```json\n" + minimal + "\n```",
		"trailing text":          minimal + " thanks!",
		"array":                  `[` + minimal + `]`,
		"missing summary":        `{"machine_readable":{"snapshot":{},"concentration":{}}}`,
		"missing machine part":   `{"summary_markdown":"x"}`,
		"missing snapshot":       `{"summary_markdown":"x","machine_readable":{"concentration":{}}}`,
		"extra top-level key":    `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{}},"notes":"n"}`,
		"extra machine key":      `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{},"extra":1}}`,
		"extra snapshot key":     `{"summary_markdown":"x","machine_readable":{"snapshot":{"foo":1},"concentration":{}}}`,
		"string number":          `{"summary_markdown":"x","machine_readable":{"snapshot":{"total_value":"1000"},"concentration":{}}}`,
		"factor missing name":    `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{},"factors":[{"exposure":1}]}}`,
		"scenario extra field":   `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{},"scenarios":{"worst":[{"name":"a","pnl_pct":1,"pnl":3}]}}}`,
		"gaps not strings":       `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{},"gaps":[1]}}`,
		"summary not string":     `{"summary_markdown":5,"machine_readable":{"snapshot":{},"concentration":{}}}`,
		"concentration extra":    `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{"top10":0.9}}}`,
		"scenarios unknown list": `{"summary_markdown":"x","machine_readable":{"snapshot":{},"concentration":{},"scenarios":{"median":[]}}}`,
	}
	for name, text := range cases {
		_, err := Parse(text)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrInvalidOutput), name)
	}
}

func TestSchemaIsClosedAndCopied(t *testing.T) {
	b := Schema()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, false, doc["additionalProperties"])
	b[0] = 'x'
	assert.Equal(t, byte('{'), Schema()[0])
}
