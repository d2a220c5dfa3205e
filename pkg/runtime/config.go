package runtime

import (
	"errors"
	"time"
)

// Config bounds one analysis run.
type Config struct {
	// Model overrides the provider's default model when set.
	Model string
	// Temperature is passed through when non-nil.
	Temperature *float64
	// MaxIterations caps completed model turns before the run fails.
	MaxIterations int
	// ToolConcurrency limits tool calls executed at once within a turn.
	ToolConcurrency int
	ModelTimeout    time.Duration
	ToolTimeout     time.Duration
	// FinalOutputRetries is how many times a reply that fails the output
	// contract is sent back to the model before the run fails.
	FinalOutputRetries int
	// PromptVersion selects the system prompt version; 0 means latest.
	PromptVersion int
}

const (
	DefaultMaxIterations   = 10
	DefaultToolConcurrency = 4
	DefaultModelTimeout    = 60 * time.Second
	DefaultToolTimeout     = 30 * time.Second
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		ToolConcurrency: DefaultToolConcurrency,
		ModelTimeout:    DefaultModelTimeout,
		ToolTimeout:     DefaultToolTimeout,
	}
}

// withDefaults fills zero values. Negative values are left for Validate.
func (c Config) withDefaults() Config {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ToolConcurrency == 0 {
		c.ToolConcurrency = DefaultToolConcurrency
	}
	if c.ModelTimeout == 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations < 1 {
		errs = append(errs, errors.New("max iterations must be at least 1"))
	}
	if c.ToolConcurrency < 1 {
		errs = append(errs, errors.New("tool concurrency must be at least 1"))
	}
	if c.ModelTimeout < 0 || c.ToolTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.FinalOutputRetries < 0 {
		errs = append(errs, errors.New("final output retries must not be negative"))
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, errors.New("temperature must be within [0, 2]"))
	}
	return errors.Join(errs...)
}
