package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
)

// Transformer turns the files of an input artifact into the files of the
// stage's output artifact. Errors marked with core.Permanent are not
// retried.
type Transformer interface {
	Transform(ctx context.Context, files [][]byte) ([][]byte, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, files [][]byte) ([][]byte, error)

func (f TransformFunc) Transform(ctx context.Context, files [][]byte) ([][]byte, error) {
	return f(ctx, files)
}

// Options tunes a stage worker.
type Options struct {
	// SettleDelay is the pause before a stage marks itself done.
	SettleDelay time.Duration
	Retry       RetryPolicy
	Logger      *slog.Logger
}

// base is the consumption contract shared by every stage.
type base struct {
	stage       Stage
	store       core.StatusStore
	channel     core.Channel
	settleDelay time.Duration
	retry       RetryPolicy
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func newBase(stage Stage, store core.StatusStore, channel core.Channel, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		stage:       stage,
		store:       store,
		channel:     channel,
		settleDelay: opts.SettleDelay,
		retry:       opts.Retry.withDefaults(),
		logger:      logger.With("stage", stage.Name),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// admit runs the sender filter, the decode and the first cancellation
// check. A non-nil result means handling stops there.
func (b *base) admit(ctx context.Context, d core.Delivery) (*core.Artifact, *result) {
	env := d.Envelope()
	if !b.stage.Accepts(env.Sender) {
		r := discard("sender not allowed")
		return nil, &r
	}
	art, err := core.DecodeArtifact(d.Payload())
	if err != nil {
		r := reject("malformed payload", err)
		return nil, &r
	}
	b.logger.Info("received message",
		"job_id", art.ID,
		"message_id", env.MessageID,
		"sender", env.Sender,
		"sent_at", env.Timestamp.Format(time.RFC3339Nano),
		"attempt", d.Attempt(),
	)
	if r := b.checkpoint(ctx, art.ID); r != nil {
		return nil, r
	}
	return art, nil
}

// checkpoint samples the job status. Aborted and expired jobs stop with an
// ack.
func (b *base) checkpoint(ctx context.Context, jobID string) *result {
	status, err := b.store.Get(ctx, jobID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		r := ack("job expired")
		return &r
	case err != nil:
		r := retry("status read failed", err)
		return &r
	case status == core.StatusAbort:
		r := ack("job aborted")
		return &r
	}
	return nil
}

// mark writes a status. Illegal transitions are not applied and handling
// continues, unless the job turned out to be aborted or expired.
func (b *base) mark(ctx context.Context, jobID string, status core.Status) (core.Status, *result) {
	prior, err := b.store.Set(ctx, jobID, status)
	switch {
	case err == nil:
		metrics.StatusWritesTotal.WithLabelValues(string(status), "ok").Inc()
		return prior, nil
	case errors.Is(err, core.ErrIllegalTransition):
		metrics.StatusWritesTotal.WithLabelValues(string(status), "ignored").Inc()
		if prior == core.StatusAbort {
			r := ack("job aborted")
			return prior, &r
		}
		b.logger.Debug("ignored status write", "job_id", jobID, "from", prior, "to", status)
		return prior, nil
	case errors.Is(err, core.ErrNotFound):
		r := ack("job expired")
		return "", &r
	default:
		metrics.StatusWritesTotal.WithLabelValues(string(status), "error").Inc()
		r := retry("status write failed", err)
		return "", &r
	}
}

func (b *base) finish(ctx context.Context, d core.Delivery, r result, start time.Time) {
	b.logger.Debug("handled message", "job_id", r.jobID, "outcome", r.outcome.String(), "duration_ms", time.Since(start).Milliseconds())
	settle(ctx, b.stage.Name, b.channel, b.retry, d, r, b.logger)
}

// Worker runs a transforming stage: OCR, animation or render.
type Worker struct {
	base
	transform Transformer
}

// NewWorker creates the worker of a transforming stage.
func NewWorker(stage Stage, store core.StatusStore, channel core.Channel, transform Transformer, opts Options) *Worker {
	return &Worker{base: newBase(stage, store, channel, opts), transform: transform}
}

// Handle processes and settles one delivery.
func (w *Worker) Handle(ctx context.Context, d core.Delivery) {
	start := time.Now()
	r := w.process(ctx, d)
	w.finish(ctx, d, r, start)
}

func (w *Worker) process(ctx context.Context, d core.Delivery) result {
	in, stop := w.admit(ctx, d)
	if stop != nil {
		return *stop
	}
	r := w.run(ctx, d.Envelope(), in)
	r.jobID = in.ID
	return r
}

func (w *Worker) run(ctx context.Context, inEnv core.Envelope, in *core.Artifact) result {
	if _, stop := w.mark(ctx, in.ID, w.stage.Start); stop != nil {
		return *stop
	}

	started := time.Now()
	files, err := w.transform.Transform(ctx, in.Files)
	metrics.TransformDuration.WithLabelValues(w.stage.Name).Observe(time.Since(started).Seconds())
	if err != nil {
		return failure("transform failed", err)
	}
	if len(files) == 0 {
		return reject("transform produced no output", nil)
	}

	// The transform cost is spent; an abort now only suppresses the publish.
	if stop := w.checkpoint(ctx, in.ID); stop != nil {
		return *stop
	}

	out := core.Artifact{ID: in.ID, Extension: w.stage.Extension, Files: files}
	payload, err := out.Encode()
	if err != nil {
		return reject("encode output", err)
	}
	env := inEnv.Next(w.stage.Name, w.stage.Output)
	if err := w.channel.Publish(ctx, w.stage.Output, env, payload); err != nil {
		return retry("publish failed", err)
	}
	w.logger.Info("published artifact", "job_id", in.ID, "route", w.stage.Output, "message_id", env.MessageID, "files", len(files))

	if err := w.sleep(ctx, w.settleDelay); err != nil {
		return retry("interrupted before done", err)
	}
	if _, stop := w.mark(ctx, in.ID, w.stage.Done); stop != nil {
		return *stop
	}
	return ack("done")
}
