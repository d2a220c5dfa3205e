package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elliottng/sigmasight/internal/config"
	"github.com/elliottng/sigmasight/pkg/adapters/llm"
	"github.com/elliottng/sigmasight/pkg/agent"
	"github.com/elliottng/sigmasight/pkg/agent/tools"
	"github.com/elliottng/sigmasight/pkg/backend"
	"github.com/elliottng/sigmasight/pkg/eval"
	"github.com/elliottng/sigmasight/pkg/httpapi"
	"github.com/elliottng/sigmasight/pkg/mcpserver"
	"github.com/elliottng/sigmasight/pkg/otel"
	"github.com/elliottng/sigmasight/pkg/runtime"
	"github.com/elliottng/sigmasight/pkg/store"
	"github.com/elliottng/sigmasight/pkg/store/sqlstore"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *agent.Registry
	archive  store.RunStore
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	a := &app{cfg: cfg, log: log.Logger.Level(level)}

	shutdown, err := otel.Init(ctx, otel.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		Writer:         os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	})

	client, err := backend.New(cfg.Backend.URL,
		backend.WithBearerToken(cfg.Backend.Token),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithLogger(a.log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = agent.NewRegistry()
	if err := tools.Register(a.registry, client); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openArchive picks the SQL archive when a database URL is configured.
func (a *app) openArchive(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.archive = store.NewMemory()
		return nil
	}
	st, err := sqlstore.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	a.archive = st
	return nil
}

func (a *app) runner(ctx context.Context) (*runtime.Runner, error) {
	model, err := llm.New(ctx, a.cfg.LLM.Provider, a.cfg.LLMOptions())
	if err != nil {
		return nil, err
	}
	return runtime.NewRunner(model, a.registry, a.cfg.ToRuntime(),
		runtime.WithLogger(a.log),
		runtime.WithArchive(a.archive),
		runtime.WithTokenEstimator(tokenEstimator(a.cfg, a.log)),
	)
}

// tokenEstimator falls back to counting runes when the configured encoding
// cannot be loaded, e.g. offline.
func tokenEstimator(cfg *config.Config, log zerolog.Logger) runtime.TokenEstimator {
	est, err := runtime.NewTokenEstimator(cfg.Runtime.TokenEstimator, cfg.LLM.Model)
	if err != nil {
		log.Warn().Err(err).Str("estimator", cfg.Runtime.TokenEstimator).Msg("token estimator unavailable, counting runes")
		return runtime.RuneEstimator
	}
	return est
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openArchive(ctx); err != nil {
				return err
			}
			r, err := a.runner(ctx)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr: a.cfg.Server.Addr,
				Handler: httpapi.NewRouter(r, a.archive,
					httpapi.WithLogger(a.log),
					httpapi.WithVersion(version),
					httpapi.WithRequireAuth(a.cfg.Server.RequireAuth),
				),
				ReadTimeout: 30 * time.Second,
				// analysis runs span several model calls
				WriteTimeout: 5 * time.Minute,
				IdleTimeout:  120 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", httpServer.Addr).Str("provider", a.cfg.LLM.Provider).Msg("sigmasight listening")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			a.log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func analyzeCmd() *cobra.Command {
	var asOf, message, credential string
	cmd := &cobra.Command{
		Use:   "analyze <portfolio-id>",
		Short: "Run one analysis and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openArchive(ctx); err != nil {
				return err
			}
			r, err := a.runner(ctx)
			if err != nil {
				return err
			}
			res, err := r.Run(ctx, runtime.Input{
				PortfolioID: args[0],
				AsOfDate:    asOf,
				Message:     message,
				Credential:  credential,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"run_id":      res.RunID,
				"iterations":  res.Iterations,
				"model_calls": res.ModelCalls,
				"output":      res.Output,
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "valuation date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "question for the analyst")
	cmd.Flags().StringVar(&credential, "token", os.Getenv("SIGMASIGHT_USER_TOKEN"), "bearer token forwarded to the analytics backend")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the portfolio tools as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			srv, err := mcpserver.New(a.registry,
				mcpserver.WithLogger(a.log),
				mcpserver.WithVersion(version),
				mcpserver.WithCredential(a.cfg.Backend.Token),
			)
			if err != nil {
				return err
			}
			return srv.ServeStdio(ctx)
		},
	}
}

func evalCmd() *cobra.Command {
	var dir string
	var minScore float64
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Replay scripted fixtures against the loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fsys, root := eval.Builtin(), "scenarios"
			if dir != "" {
				fsys, root = os.DirFS(dir), "."
			}
			rep, err := eval.RunFixtures(cmd.Context(), fsys, root, eval.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if rep.Score < minScore {
				return fmt.Errorf("eval score %.2f below %.2f", rep.Score, minScore)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of fixture files (defaults to the built-in scenarios)")
	cmd.Flags().Float64Var(&minScore, "min-score", 1, "fail when the score is below this value")
	return cmd
}
