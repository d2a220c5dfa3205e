// Package runtime drives the bounded model/tool loop that turns a portfolio
// question into a validated final answer.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/errmodel"
	"github.com/elliottng/sigmasight/pkg/output"
	"github.com/elliottng/sigmasight/pkg/prompt"
	"github.com/elliottng/sigmasight/pkg/store"
)

const tracerName = "runtime/runner"

// Input is one analysis request.
type Input struct {
	PortfolioID string
	AsOfDate    string
	Message     string
	// Credential is forwarded as the bearer token on backend reads.
	Credential string
}

// Result describes a successful run.
type Result struct {
	RunID              string
	Output             *output.FinalOutput
	Iterations         int
	ModelCalls         int
	ProtocolViolations int
	// PromptTokens and OutputTokens are summed from provider usage reports.
	PromptTokens     int
	OutputTokens     int
	TranscriptTokens int
	Transcript       []agent.Message
}

// Runner executes analysis runs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	model    llm.LLM
	reg      *agent.Registry
	cfg      Config
	log      zerolog.Logger
	archive  store.RunStore
	prompts  *prompt.Store
	estimate TokenEstimator
	newID    func() string
}

// RunnerOption configures the Runner at construction time.
type RunnerOption func(*Runner)

func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithArchive records every finished run in st.
func WithArchive(st store.RunStore) RunnerOption {
	return func(r *Runner) { r.archive = st }
}

// WithPromptStore replaces the default prompt store. The store must hold
// prompt.AnalystPrompt.
func WithPromptStore(s *prompt.Store) RunnerOption {
	return func(r *Runner) {
		if s != nil {
			r.prompts = s
		}
	}
}

func WithTokenEstimator(est TokenEstimator) RunnerOption {
	return func(r *Runner) {
		if est != nil {
			r.estimate = est
		}
	}
}

func WithRunIDGenerator(fn func() string) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRunner constructs a Runner. Zero Config fields take their defaults.
func NewRunner(model llm.LLM, reg *agent.Registry, cfg Config, opts ...RunnerOption) (*Runner, error) {
	if model == nil {
		return nil, errors.New("runtime: model is nil")
	}
	if reg == nil {
		return nil, errors.New("runtime: registry is nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	r := &Runner{
		model:    model,
		reg:      reg,
		cfg:      cfg,
		log:      zerolog.Nop(),
		estimate: RuneEstimator,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prompts == nil {
		ps, err := prompt.DefaultStore()
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
		r.prompts = ps
	}
	if _, ok := r.prompts.Get(prompt.AnalystPrompt, cfg.PromptVersion); !ok {
		return nil, fmt.Errorf("runtime: prompt %s v%d not found", prompt.AnalystPrompt, cfg.PromptVersion)
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// runState is the per-invocation state. It never outlives Run.
type runState struct {
	runID       string
	transcript  []agent.Message
	iteration   int
	bound       int
	modelCalls  int
	violations  int
	retries     int
	promptTok   int
	outputTok   int
	transcriptT int
}

func (s *runState) append(m agent.Message) { s.transcript = append(s.transcript, m) }

// Run executes one analysis. An empty portfolio id is rejected with an
// errmodel validation error before a run starts; every later failure is a
// *RunError.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.PortfolioID) == "" {
		return nil, errmodel.Validation(errmodel.CodeInvalidArguments, "portfolio id is required", nil)
	}
	runID := r.newID()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("portfolio.id", in.PortfolioID),
	))
	defer span.End()
	log := r.log.With().Str("run_id", runID).Str("portfolio_id", in.PortfolioID).Logger()
	ctx = backend.WithCredential(ctx, in.Credential)

	started := time.Now().UTC()
	st, err := r.initialState(runID, in)
	if err != nil {
		span.RecordError(err)
		return nil, &RunError{RunID: runID, Err: err}
	}
	log.Info().Int("max_iterations", st.bound).Msg("run started")

	out, err := r.loop(ctx, st, log)
	st.transcriptT = CountMessages(r.estimate, st.transcript)
	span.SetAttributes(
		attribute.Int("run.iterations", st.iteration),
		attribute.Int("run.model_calls", st.modelCalls),
	)
	r.save(ctx, log, in, st, out, err, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Int("iterations", st.iteration).Int("model_calls", st.modelCalls).Msg("run failed")
		return nil, &RunError{RunID: runID, Iterations: st.iteration, Err: err}
	}
	log.Info().Int("iterations", st.iteration).Int("model_calls", st.modelCalls).Int("transcript_tokens", st.transcriptT).Msg("run succeeded")
	return &Result{
		RunID:              runID,
		Output:             out,
		Iterations:         st.iteration,
		ModelCalls:         st.modelCalls,
		ProtocolViolations: st.violations,
		PromptTokens:       st.promptTok,
		OutputTokens:       st.outputTok,
		TranscriptTokens:   st.transcriptT,
		Transcript:         agent.CloneMessages(st.transcript),
	}, nil
}

type task struct {
	PortfolioID string `json:"portfolio_id"`
	AsOfDate    string `json:"as_of_date,omitempty"`
	Message     string `json:"message"`
}

const defaultMessage = "Analyze this portfolio's exposures, concentration, risk metrics and stress results."

func (r *Runner) initialState(runID string, in Input) (*runState, error) {
	p, ok := r.prompts.Get(prompt.AnalystPrompt, r.cfg.PromptVersion)
	if !ok {
		return nil, fmt.Errorf("prompt %s not found", prompt.AnalystPrompt)
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		msg = defaultMessage
	}
	payload, err := json.Marshal(task{PortfolioID: in.PortfolioID, AsOfDate: in.AsOfDate, Message: msg})
	if err != nil {
		return nil, err
	}
	return &runState{
		runID: runID,
		bound: r.cfg.MaxIterations,
		transcript: []agent.Message{
			{Role: agent.RoleSystem, Content: p.Body},
			{Role: agent.RoleUser, Content: string(payload)},
		},
	}, nil
}

func (r *Runner) loop(ctx context.Context, st *runState, log zerolog.Logger) (*output.FinalOutput, error) {
	for {
		if st.iteration >= st.bound {
			return nil, ErrMaxIterationsExceeded
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := r.callModel(ctx, st)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrModelCall, err)
		}
		st.promptTok += res.PromptTokens
		st.outputTok += res.OutputTokens

		reply := res.Message
		reply.Role = agent.RoleAssistant
		for i := range reply.ToolCalls {
			if reply.ToolCalls[i].ID == "" {
				reply.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		st.append(reply)
		log.Debug().Int("iteration", st.iteration).Int("tool_calls", len(reply.ToolCalls)).
			Int("transcript_tokens", CountMessages(r.estimate, st.transcript)).Msg("model responded")

		if len(reply.ToolCalls) == 0 {
			out, perr := output.Parse(reply.Content)
			if perr == nil {
				return out, nil
			}
			if st.retries >= r.cfg.FinalOutputRetries {
				return nil, perr
			}
			st.retries++
			log.Debug().Err(perr).Int("retry", st.retries).Msg("final output rejected")
			st.append(agent.Message{Role: agent.RoleUser, Content: retryPrompt(perr)})
			st.iteration++
			continue
		}

		r.executeTools(ctx, st, reply.ToolCalls, log)
		st.iteration++
	}
}

func retryPrompt(err error) string {
	return "Your last reply was rejected: " + err.Error() +
		". Reply again with only the JSON object containing summary_markdown and machine_readable."
}

func (r *Runner) callModel(ctx context.Context, st *runState) (llm.GenerateResult, error) {
	if r.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ModelTimeout)
		defer cancel()
	}
	st.modelCalls++
	return r.model.Generate(ctx, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages:    agent.CloneMessages(st.transcript),
		Tools:       r.reg.Definitions(),
	})
}

func (r *Runner) save(ctx context.Context, log zerolog.Logger, in Input, st *runState, out *output.FinalOutput, runErr error, started time.Time) {
	if r.archive == nil {
		return
	}
	rec := store.RunRecord{
		RunID:       st.runID,
		PortfolioID: in.PortfolioID,
		AsOfDate:    in.AsOfDate,
		Status:      store.StatusSucceeded,
		Iterations:  st.iteration,
		ModelCalls:  st.modelCalls,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	if runErr != nil {
		rec.Status = store.StatusFailed
		if isCancellation(runErr) && !errors.Is(runErr, ErrModelCall) {
			rec.Status = store.StatusCancelled
		}
		rec.Error = runErr.Error()
	}
	if out != nil {
		if b, err := json.Marshal(out); err == nil {
			rec.Output = b
		}
	}
	if b, err := json.Marshal(st.transcript); err == nil {
		rec.Transcript = b
	}
	// cancelled runs are archived too
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.archive.SaveRun(saveCtx, rec); err != nil {
		log.Error().Err(err).Msg("archive run")
	}
}
