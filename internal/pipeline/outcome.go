package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
)

// Outcome is how a delivery is settled.
type Outcome int

const (
	// Ack means the message was handled, or the job was aborted.
	Ack Outcome = iota
	// Discard acknowledges a message that is not ours to handle.
	Discard
	// Reject dead-letters the message and terminates it.
	Reject
	// Retry returns the message for redelivery after a backoff.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Discard:
		return "discard"
	case Reject:
		return "reject"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// result is what handling one delivery produced.
type result struct {
	outcome Outcome
	reason  string
	err     error
	jobID   string
}

func ack(reason string) result               { return result{outcome: Ack, reason: reason} }
func discard(reason string) result           { return result{outcome: Discard, reason: reason} }
func reject(reason string, err error) result { return result{outcome: Reject, reason: reason, err: err} }
func retry(reason string, err error) result  { return result{outcome: Retry, reason: reason, err: err} }

// failure maps a step error: data errors are rejected, anything else is
// retried.
func failure(reason string, err error) result {
	if core.IsPermanent(err) {
		return reject(reason, err)
	}
	return retry(reason, err)
}

// RetryPolicy bounds redelivery of infrastructure failures.
type RetryPolicy struct {
	// MaxDeliver is the delivery count at which a retry becomes a reject.
	MaxDeliver int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxDeliver <= 0 {
		p.MaxDeliver = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	return p
}

// settle applies a result to the delivery.
func settle(ctx context.Context, stage string, ch core.DeadLetterer, policy RetryPolicy, d core.Delivery, r result, logger *slog.Logger) {
	env := d.Envelope()
	attrs := []any{"message_id", env.MessageID, "sender", env.Sender, "attempt", d.Attempt(), "reason", r.reason}
	if r.jobID != "" {
		attrs = append(attrs, "job_id", r.jobID)
	}
	if r.err != nil {
		attrs = append(attrs, "error", r.err)
	}

	outcome := r.outcome
	if outcome == Retry && d.Attempt() >= policy.MaxDeliver {
		logger.Warn("retries exhausted", attrs...)
		outcome = Reject
	}

	var err error
	switch outcome {
	case Ack, Discard:
		if outcome == Discard {
			logger.Info("discarded message", attrs...)
		} else {
			logger.Debug("acknowledged message", attrs...)
		}
		err = d.Ack()
	case Reject:
		logger.Error("rejected message", attrs...)
		if dlErr := ch.DeadLetter(ctx, stage, d, r.reason); dlErr != nil {
			// Without a dead-letter copy the message stays in the queue.
			logger.Error("dead-letter failed", append(attrs, "dead_letter_error", dlErr)...)
			err = d.Retry(policy.MaxDelay)
			outcome = Retry
			break
		}
		err = d.Reject()
	case Retry:
		delay := core.CalculateBackoff(policy.BaseDelay, policy.MaxDelay, d.Attempt())
		logger.Warn("retrying message", append(attrs, "delay_ms", delay.Milliseconds())...)
		err = d.Retry(delay)
	}

	metrics.MessagesTotal.WithLabelValues(stage, outcome.String()).Inc()
	if err != nil {
		logger.Error("failed to settle message", "message_id", env.MessageID, "outcome", outcome.String(), "error", err)
	}
}
