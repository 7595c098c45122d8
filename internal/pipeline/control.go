package pipeline

import (
	"context"
	"errors"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Control answers status queries and aborts jobs.
type Control struct {
	store core.StatusStore
}

// NewControl creates the control plane over store.
func NewControl(store core.StatusStore) *Control {
	return &Control{store: store}
}

// Status returns the latest status of a job. Unknown and expired jobs are
// both reported as not found.
func (c *Control) Status(ctx context.Context, jobID string) (core.Status, error) {
	if !core.IsValidJobID(jobID) {
		return "", core.NewNotFoundError("Job", jobID)
	}
	status, err := c.store.Get(ctx, jobID)
	if errors.Is(err, core.ErrNotFound) {
		return "", core.NewNotFoundError("Job", jobID)
	}
	return status, err
}

// Abort flags a job as aborted and returns its prior status. Stages notice
// the flag at their next checkpoint; work already running is not stopped.
func (c *Control) Abort(ctx context.Context, jobID string) (core.Status, error) {
	return c.Set(ctx, jobID, core.StatusAbort)
}

// Set moves a job to status and refreshes its expiry.
func (c *Control) Set(ctx context.Context, jobID string, status core.Status) (core.Status, error) {
	if !status.IsValid() {
		return "", core.NewInvalidRequestError("Unknown status.", map[string]any{"status": string(status)})
	}
	if !core.IsValidJobID(jobID) {
		return "", core.NewNotFoundError("Job", jobID)
	}
	prior, err := c.store.Set(ctx, jobID, status)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return "", core.NewNotFoundError("Job", jobID)
	case errors.Is(err, core.ErrIllegalTransition):
		return prior, core.NewConflictError("Status transition not allowed.", map[string]any{
			"job_id": jobID,
			"from":   string(prior),
			"to":     string(status),
		})
	}
	return prior, err
}
