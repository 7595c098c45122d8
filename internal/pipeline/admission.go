package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
)

// fanOut are the two branches every upload starts.
var fanOut = []core.Route{core.RouteIngressOCR, core.RouteIngressGIF}

// AdmissionOptions tunes job admission.
type AdmissionOptions struct {
	// PublishAttempts bounds the publish retries of each branch.
	PublishAttempts int
	// RetryDelay is the base backoff between publish attempts.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Admission accepts uploads and starts their pipelines.
type Admission struct {
	store    core.StatusStore
	pub      core.Publisher
	attempts int
	delay    time.Duration
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewAdmission creates the admission entry point.
func NewAdmission(store core.StatusStore, pub core.Publisher, opts AdmissionOptions) *Admission {
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		store:    store,
		pub:      pub,
		attempts: opts.PublishAttempts,
		delay:    opts.RetryDelay,
		logger:   logger.With("stage", core.StageUpload),
		sleep:    sleepCtx,
	}
}

// Submit allocates a job id, records UPLOADED and publishes the upload to
// both branches. It does not wait for any stage.
//
// If a branch cannot be published the job is aborted, so the branch that
// did get through stops at its first checkpoint.
func (a *Admission) Submit(ctx context.Context, files [][]byte) (string, error) {
	if len(files) == 0 {
		metrics.JobsSubmittedTotal.WithLabelValues("invalid").Inc()
		return "", core.NewInvalidRequestError("No files uploaded.", nil)
	}
	for i, f := range files {
		if len(f) == 0 {
			metrics.JobsSubmittedTotal.WithLabelValues("invalid").Inc()
			return "", core.NewInvalidRequestError("Uploaded file is empty.", map[string]any{"index": i})
		}
	}

	jobID := core.NewJobID()
	art := core.Artifact{ID: jobID, Extension: core.ExtUpload, Files: files}
	payload, err := art.Encode()
	if err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues("error").Inc()
		return "", err
	}

	if err := a.store.Create(ctx, jobID, core.StatusUploaded); err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("record job %s: %w", jobID, err)
	}

	for _, route := range fanOut {
		env := core.NewEnvelope(core.StageUpload, route)
		if err := a.publish(ctx, route, env, payload); err != nil {
			a.logger.Error("fan-out failed, aborting job", "job_id", jobID, "route", route, "error", err)
			if _, abortErr := a.store.Set(context.WithoutCancel(ctx), jobID, core.StatusAbort); abortErr != nil {
				a.logger.Error("failed to abort job", "job_id", jobID, "error", abortErr)
			}
			metrics.JobsSubmittedTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("start job %s: %w", jobID, err)
		}
	}

	metrics.JobsSubmittedTotal.WithLabelValues("ok").Inc()
	a.logger.Info("job submitted", "job_id", jobID, "files", len(files))
	return jobID, nil
}

// publish retries with the same envelope, so the broker drops duplicates
// of an attempt whose confirmation was lost.
func (a *Admission) publish(ctx context.Context, route core.Route, env core.Envelope, payload []byte) error {
	var err error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if err = a.pub.Publish(ctx, route, env, payload); err == nil {
			return nil
		}
		a.logger.Warn("publish failed", "route", route, "message_id", env.MessageID, "attempt", attempt, "error", err)
		if attempt == a.attempts {
			break
		}
		if sleepErr := a.sleep(ctx, core.CalculateBackoff(a.delay, 0, attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
