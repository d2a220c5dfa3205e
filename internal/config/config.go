// Package config loads sigmasight settings from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elliottng/sigmasight/pkg/runtime"
)

// Config holds all configuration for the sigmasight binary.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	LLM       LLMConfig       `yaml:"llm"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RequireAuth rejects analysis requests that carry no bearer token.
	RequireAuth bool `yaml:"require_auth"`
}

type BackendConfig struct {
	URL string `yaml:"url"`
	// Token is used when a request carries no credential of its own.
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type RuntimeConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	ToolConcurrency    int           `yaml:"tool_concurrency"`
	ModelTimeout       time.Duration `yaml:"model_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	FinalOutputRetries int           `yaml:"final_output_retries"`
	PromptVersion      int           `yaml:"prompt_version"`
	Temperature        *float64      `yaml:"temperature"`
	// TokenEstimator sizes transcripts for logs and results: rune or tiktoken.
	TokenEstimator string `yaml:"token_estimator"`
}

type DatabaseConfig struct {
	// URL selects the run archive; empty keeps runs in memory.
	URL string `yaml:"url"`
}

type TelemetryConfig struct {
	Exporter    string `yaml:"exporter"` // none, stdout
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Backend: BackendConfig{URL: "http://localhost:8000", Timeout: 15 * time.Second},
		LLM:     LLMConfig{Provider: "openai"},
		Runtime: RuntimeConfig{
			MaxIterations:   runtime.DefaultMaxIterations,
			ToolConcurrency: runtime.DefaultToolConcurrency,
			ModelTimeout:    runtime.DefaultModelTimeout,
			ToolTimeout:     runtime.DefaultToolTimeout,
			TokenEstimator:  runtime.EstimatorRune,
		},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: "sigmasight"},
		LogLevel:  "info",
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = envStr("SIGMASIGHT_ADDR", c.Server.Addr)
	c.Server.RequireAuth = envBool("SIGMASIGHT_REQUIRE_AUTH", c.Server.RequireAuth)

	c.Backend.URL = envStr("SIGMASIGHT_BACKEND_URL", c.Backend.URL)
	c.Backend.Token = envStr("SIGMASIGHT_BACKEND_TOKEN", c.Backend.Token)
	c.Backend.Timeout = envDuration("SIGMASIGHT_BACKEND_TIMEOUT", c.Backend.Timeout)

	c.LLM.Provider = envStr("SIGMASIGHT_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = envStr("SIGMASIGHT_LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = envStr("SIGMASIGHT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = envStr("SIGMASIGHT_LLM_API_KEY", c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.LLM.APIKey = envStr("GOOGLE_API_KEY", os.Getenv("GEMINI_API_KEY"))
		}
	}

	c.Runtime.MaxIterations = envInt("SIGMASIGHT_MAX_ITERATIONS", c.Runtime.MaxIterations)
	c.Runtime.ToolConcurrency = envInt("SIGMASIGHT_TOOL_CONCURRENCY", c.Runtime.ToolConcurrency)
	c.Runtime.ModelTimeout = envDuration("SIGMASIGHT_MODEL_TIMEOUT", c.Runtime.ModelTimeout)
	c.Runtime.ToolTimeout = envDuration("SIGMASIGHT_TOOL_TIMEOUT", c.Runtime.ToolTimeout)
	c.Runtime.FinalOutputRetries = envInt("SIGMASIGHT_FINAL_OUTPUT_RETRIES", c.Runtime.FinalOutputRetries)
	c.Runtime.PromptVersion = envInt("SIGMASIGHT_PROMPT_VERSION", c.Runtime.PromptVersion)
	c.Runtime.TokenEstimator = envStr("SIGMASIGHT_TOKEN_ESTIMATOR", c.Runtime.TokenEstimator)
	if v := os.Getenv("SIGMASIGHT_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SIGMASIGHT_TEMPERATURE: %w", err)
		}
		c.Runtime.Temperature = &f
	}

	c.Database.URL = envStr("DATABASE_URL", c.Database.URL)
	c.Telemetry.Exporter = envStr("SIGMASIGHT_OTEL_EXPORTER", c.Telemetry.Exporter)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.LogLevel = envStr("SIGMASIGHT_LOG_LEVEL", c.LogLevel)
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not supported", c.Telemetry.Exporter))
	}
	switch c.Runtime.TokenEstimator {
	case "", runtime.EstimatorRune, runtime.EstimatorTikToken:
	default:
		errs = append(errs, fmt.Errorf("runtime.token_estimator %q is not supported", c.Runtime.TokenEstimator))
	}
	if err := c.ToRuntime().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToRuntime returns the loop bounds.
func (c *Config) ToRuntime() runtime.Config {
	return runtime.Config{
		Model:              c.LLM.Model,
		Temperature:        c.Runtime.Temperature,
		MaxIterations:      c.Runtime.MaxIterations,
		ToolConcurrency:    c.Runtime.ToolConcurrency,
		ModelTimeout:       c.Runtime.ModelTimeout,
		ToolTimeout:        c.Runtime.ToolTimeout,
		FinalOutputRetries: c.Runtime.FinalOutputRetries,
		PromptVersion:      c.Runtime.PromptVersion,
	}
}

// LLMOptions returns the provider factory config.
func (c *Config) LLMOptions() map[string]any {
	opts := map[string]any{}
	if c.LLM.APIKey != "" {
		opts["api_key"] = c.LLM.APIKey
	}
	if c.LLM.Model != "" {
		opts["model"] = c.LLM.Model
	}
	if c.LLM.BaseURL != "" {
		opts["base_url"] = c.LLM.BaseURL
	}
	return opts
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
