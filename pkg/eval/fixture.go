// Package eval replays scripted analysis scenarios through a real Runner
// against a fake analytics backend and scores the outcomes.
package eval

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/elliottng/sigmasight/pkg/adapters/llm/llmtest"
	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/backend/backendtest"
	"github.com/elliottng/sigmasight/pkg/runtime"
)

//go:embed scenarios/*.json
var builtin embed.FS

// Builtin returns the bundled scenarios rooted at "scenarios".
func Builtin() fs.FS { return builtin }

// Fixture is one scenario.
type Fixture struct {
	Name        string                          `json:"name"`
	PortfolioID string                          `json:"portfolio_id"`
	AsOfDate    string                          `json:"as_of_date,omitempty"`
	Message     string                          `json:"message,omitempty"`
	Backend     map[string]backendtest.Response `json:"backend,omitempty"`
	Config      FixtureConfig                   `json:"config"`
	Turns       []Turn                          `json:"turns"`
	Expect      Expectation                     `json:"expect"`
}

type FixtureConfig struct {
	MaxIterations      int `json:"max_iterations,omitempty"`
	ToolConcurrency    int `json:"tool_concurrency,omitempty"`
	FinalOutputRetries int `json:"final_output_retries,omitempty"`
}

func (c FixtureConfig) runtime() runtime.Config {
	return runtime.Config{
		MaxIterations:      c.MaxIterations,
		ToolConcurrency:    c.ToolConcurrency,
		FinalOutputRetries: c.FinalOutputRetries,
		ModelTimeout:       10 * time.Second,
		ToolTimeout:        10 * time.Second,
	}
}

// Turn is one scripted model reply. Final is a JSON document sent verbatim
// as the reply content; Content is used when the reply is not JSON.
type Turn struct {
	Content   string          `json:"content,omitempty"`
	Final     json.RawMessage `json:"final,omitempty"`
	ToolCalls []Call          `json:"tool_calls,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Expectation lists the checks applied to a finished scenario. Zero values
// are not checked, except that a non-nil empty Gaps requires no gaps.
type Expectation struct {
	// Error is the compact error code of a failed run; empty means success.
	Error              string   `json:"error,omitempty"`
	Gaps               []string `json:"gaps,omitempty"`
	ToolGaps           []string `json:"tool_gaps,omitempty"`
	ModelCalls         int      `json:"model_calls,omitempty"`
	ProtocolViolations int      `json:"protocol_violations,omitempty"`
	SummaryContains    []string `json:"summary_contains,omitempty"`
}

func (t Turn) script() (llmtest.Turn, error) {
	if t.Error != "" {
		return llmtest.Turn{Err: errors.New(t.Error)}, nil
	}
	msg := agent.Message{Role: agent.RoleAssistant, Content: t.Content}
	if len(t.Final) > 0 {
		msg.Content = string(t.Final)
	}
	for _, c := range t.ToolCalls {
		args := strings.TrimSpace(string(c.Arguments))
		if strings.HasPrefix(args, `"`) {
			// arguments given as a JSON string carry raw model text
			if err := json.Unmarshal(c.Arguments, &args); err != nil {
				return llmtest.Turn{}, err
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, llmtest.Call(c.ID, c.Name, args))
	}
	return llmtest.Turn{Message: msg}, nil
}

func loadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []Fixture
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if fx.Name == "" {
			fx.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		if fx.PortfolioID == "" {
			fx.PortfolioID = "p1"
		}
		out = append(out, fx)
	}
	return out, nil
}
