package core

import (
	"context"
	"time"
)

// StatusStore is the shared job id -> status map. It is the only authority
// stages consult for cancellation.
type StatusStore interface {
	// Create writes the first status of a new job.
	Create(ctx context.Context, jobID string, status Status) error

	// Get returns the latest status, or ErrNotFound.
	Get(ctx context.Context, jobID string) (Status, error)

	// Set moves an existing job to status and refreshes its expiry. The
	// transition check and the write are atomic. It returns the prior
	// status; on ErrIllegalTransition nothing is written.
	Set(ctx context.Context, jobID string, status Status) (Status, error)

	// ClaimSeal takes the single-writer seal claim for a job. It grants the
	// claim when nobody holds it or when owner already holds it, and
	// refuses once the job has been marked sealed.
	ClaimSeal(ctx context.Context, jobID, owner string) (bool, error)

	// MarkSealed records that sealing finished. Later claims are refused.
	MarkSealed(ctx context.Context, jobID string) error
}

// Delivery is one message handed to a stage by the message channel.
type Delivery interface {
	Envelope() Envelope
	Payload() []byte
	// Attempt is the delivery count, starting at 1.
	Attempt() int
	Ack() error
	// Reject terminates the message; it is never redelivered.
	Reject() error
	// Retry returns the message for redelivery after delay.
	Retry(delay time.Duration) error
}

// Publisher sends a payload to a route and waits for broker confirmation.
type Publisher interface {
	Publish(ctx context.Context, route Route, env Envelope, payload []byte) error
}

// DeadLetterer parks a rejected delivery where an operator can inspect it.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, stage string, d Delivery, reason string) error
}

// Channel is the broker surface stages use.
type Channel interface {
	Publisher
	DeadLetterer
}
