// Package store defines the run archive. Every finished analysis run is
// recorded with its status, final output and full transcript so runs can be
// inspected and replayed offline. Implementations must provide identical
// semantics across backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// RunRecord is the persisted representation of one run.
// Output and Transcript hold JSON.
type RunRecord struct {
	RunID       string          `json:"run_id"`
	PortfolioID string          `json:"portfolio_id"`
	AsOfDate    string          `json:"as_of_date,omitempty"`
	Status      RunStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	Iterations  int             `json:"iterations"`
	ModelCalls  int             `json:"model_calls"`
	Output      json.RawMessage `json:"output,omitempty"`
	Transcript  json.RawMessage `json:"transcript,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStore persists and retrieves run records. SaveRun overwrites any record
// with the same RunID. ListRuns returns newest first; an empty portfolioID
// lists all portfolios and limit <= 0 means no limit.
type RunStore interface {
	SaveRun(ctx context.Context, r RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, portfolioID string, limit int) ([]RunRecord, error)
}
