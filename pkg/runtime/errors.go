package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/elliottng/sigmasight/pkg/errmodel"
	"github.com/elliottng/sigmasight/pkg/output"
)

var (
	// ErrInvalidOutput reports a final reply that does not satisfy the output contract.
	ErrInvalidOutput = output.ErrInvalidOutput
	// ErrMaxIterationsExceeded reports that the iteration bound was reached
	// before the model produced a final reply.
	ErrMaxIterationsExceeded = errors.New("MaxIterationsExceeded")
	// ErrModelCall wraps provider failures.
	ErrModelCall = errors.New("model call failed")
)

// RunError is returned by Runner.Run for every failed run.
type RunError struct {
	RunID      string
	Iterations int
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed after %d iterations: %v", e.RunID, e.Iterations, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Compact maps the failure onto the shared error model.
func (e *RunError) Compact() *errmodel.Error {
	ctx := map[string]any{"run_id": e.RunID, "iterations": e.Iterations}
	switch {
	case errors.Is(e.Err, ErrModelCall):
		return errmodel.Model(errmodel.CodeModelCall, e.Err.Error(), ctx, nil)
	case errors.Is(e.Err, ErrMaxIterationsExceeded):
		return errmodel.Model(errmodel.CodeMaxIterationsExceeded, "model did not produce a final answer within the iteration bound", ctx, nil)
	case errors.Is(e.Err, ErrInvalidOutput):
		return errmodel.Model(errmodel.CodeInvalidOutput, e.Err.Error(), ctx, nil)
	case isCancellation(e.Err):
		return errmodel.System(errmodel.CodeCancelled, e.Err.Error(), ctx, nil)
	default:
		return errmodel.System("internal", e.Err.Error(), ctx, nil)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
