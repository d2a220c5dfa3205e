package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/elliottng/sigmasight/pkg/adapters/llm/llmtest"
	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/agent/tools"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/backend/backendtest"
	"github.com/elliottng/sigmasight/pkg/errmodel"
	"github.com/elliottng/sigmasight/pkg/runtime"
	"github.com/elliottng/sigmasight/pkg/store"
)

// Report summarizes a fixture run. Score is Passed/Total, or 1 with no fixtures.
type Report struct {
	Score   float64
	Total   int
	Passed  int
	Details []string
}

// RunFixtures executes every *.json fixture in dir.
func RunFixtures(ctx context.Context, fsys fs.FS, dir string, opts ...Option) (Report, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	fixtures, err := loadFixtures(fsys, dir)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Total: len(fixtures), Score: 1}
	if rep.Total == 0 {
		return rep, nil
	}
	for _, fx := range fixtures {
		failures := runFixture(ctx, fx, o.log)
		if len(failures) == 0 {
			rep.Passed++
			o.log.Debug().Str("fixture", fx.Name).Msg("fixture passed")
			continue
		}
		for _, f := range failures {
			rep.Details = append(rep.Details, fx.Name+": "+f)
		}
		o.log.Warn().Str("fixture", fx.Name).Strs("failures", failures).Msg("fixture failed")
	}
	rep.Score = float64(rep.Passed) / float64(rep.Total)
	return rep, nil
}

type options struct {
	log zerolog.Logger
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func runFixture(ctx context.Context, fx Fixture, log zerolog.Logger) []string {
	fixtures := backendtest.Default()
	for k, v := range fx.Backend {
		fixtures = fixtures.With(k, v)
	}
	srv := backendtest.New(fixtures)
	defer srv.Close()

	client, err := backend.New(srv.URL, backend.WithLogger(log))
	if err != nil {
		return []string{"backend: " + err.Error()}
	}
	reg := agent.NewRegistry()
	if err := tools.Register(reg, client); err != nil {
		return []string{"register tools: " + err.Error()}
	}
	turns := make([]llmtest.Turn, 0, len(fx.Turns))
	for i, t := range fx.Turns {
		st, err := t.script()
		if err != nil {
			return []string{fmt.Sprintf("turn %d: %v", i+1, err)}
		}
		turns = append(turns, st)
	}
	model := llmtest.NewScriptedModel(turns...)
	archive := store.NewMemory()
	runner, err := runtime.NewRunner(model, reg, fx.Config.runtime(),
		runtime.WithLogger(log),
		runtime.WithArchive(archive),
		runtime.WithRunIDGenerator(func() string { return fx.Name }),
	)
	if err != nil {
		return []string{"runner: " + err.Error()}
	}

	res, runErr := runner.Run(ctx, runtime.Input{PortfolioID: fx.PortfolioID, AsOfDate: fx.AsOfDate, Message: fx.Message})
	var failures []string
	fail := func(format string, args ...any) { failures = append(failures, fmt.Sprintf(format, args...)) }

	switch {
	case fx.Expect.Error == "" && runErr != nil:
		fail("unexpected error: %v", runErr)
	case fx.Expect.Error != "" && runErr == nil:
		fail("expected error %s, run succeeded", fx.Expect.Error)
	case fx.Expect.Error != "":
		if code := errmodel.From(runErr).Code; code != fx.Expect.Error {
			fail("error code %s, want %s", code, fx.Expect.Error)
		}
	}
	if n := fx.Expect.ModelCalls; n > 0 && model.CallCount() != n {
		fail("model calls %d, want %d", model.CallCount(), n)
	}

	rec, err := archive.GetRun(ctx, fx.Name)
	if err != nil {
		fail("archive: %v", err)
	} else {
		seen := toolGaps(rec.Transcript)
		for _, g := range fx.Expect.ToolGaps {
			if !slices.Contains(seen, g) {
				fail("tool gap %s not reported (saw %v)", g, seen)
			}
		}
	}

	if res == nil {
		return failures
	}
	mr := res.Output.MachineReadable
	if fx.Expect.Gaps != nil && !sameSet(mr.Gaps, fx.Expect.Gaps) {
		fail("gaps %v, want %v", mr.Gaps, fx.Expect.Gaps)
	}
	if fx.Expect.ProtocolViolations != res.ProtocolViolations {
		fail("protocol violations %d, want %d", res.ProtocolViolations, fx.Expect.ProtocolViolations)
	}
	for _, s := range fx.Expect.SummaryContains {
		if !strings.Contains(res.Output.SummaryMarkdown, s) {
			fail("summary missing %q", s)
		}
	}
	return failures
}

func toolGaps(transcript json.RawMessage) []string {
	var msgs []agent.Message
	if err := json.Unmarshal(transcript, &msgs); err != nil {
		return nil
	}
	var gaps []string
	for _, m := range msgs {
		if m.Role != agent.RoleTool {
			continue
		}
		var o agent.Outcome
		if json.Unmarshal([]byte(m.Content), &o) == nil {
			gaps = append(gaps, o.Gaps...)
		}
	}
	return gaps
}

func sameSet(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
