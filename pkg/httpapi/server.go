// Package httpapi serves portfolio analysis runs over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/elliottng/sigmasight/pkg/errmodel"
	"github.com/elliottng/sigmasight/pkg/output"
	"github.com/elliottng/sigmasight/pkg/runtime"
	"github.com/elliottng/sigmasight/pkg/store"
)

// Analyzer runs one analysis. *runtime.Runner satisfies it.
type Analyzer interface {
	Run(ctx context.Context, in runtime.Input) (*runtime.Result, error)
}

type options struct {
	log         zerolog.Logger
	version     string
	requireAuth bool
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithRequireAuth rejects analysis requests without a bearer credential.
func WithRequireAuth(b bool) Option { return func(o *options) { o.requireAuth = b } }

type handler struct {
	analyzer Analyzer
	runs     store.RunStore
	opts     options
}

const maxBodyBytes = 1 << 20

// NewRouter builds the API handler. runs may be nil, in which case run
// lookups answer 404.
func NewRouter(a Analyzer, runs store.RunStore, opts ...Option) http.Handler {
	o := options{log: zerolog.Nop(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	h := &handler{analyzer: a, runs: runs, opts: o}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(o.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/portfolios/{portfolioID}/analysis", h.analyze)
		r.Get("/portfolios/{portfolioID}/runs", h.listRuns)
		r.Get("/runs/{runID}", h.getRun)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeNotFound, "no route for "+r.URL.Path, nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errmodel.WriteHTTP(w, r, errmodel.Policy("method_not_allowed", r.Method+" not allowed on "+r.URL.Path, nil))
	})
	return otelhttp.NewHandler(r, "sigmasight.http")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.opts.version})
}

type analysisRequest struct {
	Message  string `json:"message"`
	AsOfDate string `json:"as_of_date,omitempty"`
}

type analysisResponse struct {
	RunID              string              `json:"run_id"`
	Iterations         int                 `json:"iterations"`
	ModelCalls         int                 `json:"model_calls"`
	ProtocolViolations int                 `json:"protocol_violations,omitempty"`
	Output             *output.FinalOutput `json:"output"`
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	var req analysisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", "invalid request body: "+err.Error(), nil))
		return
	}
	if req.AsOfDate != "" {
		if _, err := time.Parse(time.DateOnly, req.AsOfDate); err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", "as_of_date must be YYYY-MM-DD", map[string]any{"as_of_date": req.AsOfDate}))
			return
		}
	}
	token := bearer(r)
	if token == "" && h.opts.requireAuth {
		errmodel.WriteHTTP(w, r, errmodel.Policy(errmodel.CodeUnauthorized, "bearer credential required", nil))
		return
	}

	res, err := h.analyzer.Run(r.Context(), runtime.Input{
		PortfolioID: portfolioID,
		AsOfDate:    req.AsOfDate,
		Message:     req.Message,
		Credential:  token,
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{
		RunID:              res.RunID,
		Iterations:         res.Iterations,
		ModelCalls:         res.ModelCalls,
		ProtocolViolations: res.ProtocolViolations,
		Output:             res.Output,
	})
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if h.runs == nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeNotFound, "run archive is disabled", nil))
		return
	}
	rec, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeNotFound, "run "+runID+" not found", nil))
		return
	}
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.System("store_failed", err.Error(), nil, err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []store.RunRecord{}})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", "limit must be between 1 and 500", nil))
			return
		}
		limit = n
	}
	recs, err := h.runs.ListRuns(r.Context(), chi.URLParam(r, "portfolioID"), limit)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.System("store_failed", err.Error(), nil, err))
		return
	}
	// transcripts are only served by getRun
	for i := range recs {
		recs[i].Transcript = nil
	}
	if recs == nil {
		recs = []store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": recs})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
