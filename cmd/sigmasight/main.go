package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "github.com/elliottng/sigmasight/pkg/adapters/llm/gemini"
	_ "github.com/elliottng/sigmasight/pkg/adapters/llm/openai"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sigmasight",
		Short:        "Portfolio risk analyst backed by a tool-calling model",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getEnv("SIGMASIGHT_CONFIG", ""), "path to a YAML config file")
	root.AddCommand(serveCmd(), analyzeCmd(), mcpCmd(), evalCmd(), promptCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("sigmasight %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
