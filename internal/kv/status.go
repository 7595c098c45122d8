package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// maxUpdateAttempts bounds the optimistic retry loop of Set.
const maxUpdateAttempts = 5

// sealedValue marks a finished seal claim.
const sealedValue = "sealed"

// StatusStore implements core.StatusStore on a NATS KV bucket. The bucket's
// TTL is the sliding inactivity window: every write restarts the age of the
// key. Reads slide it too by rewriting the record, at its current revision,
// once it is older than half the window. The absolute ceiling is enforced
// from the record's creation time.
type StatusStore struct {
	bucket  bucket
	sliding time.Duration
	ceiling time.Duration
	now     func() time.Time
}

// NewStatusStore wraps the status bucket. sliding must match the bucket TTL;
// ceiling <= 0 disables the absolute expiry.
func NewStatusStore(kv jetstream.KeyValue, sliding, ceiling time.Duration) *StatusStore {
	return &StatusStore{bucket: bucket{kv: kv}, sliding: sliding, ceiling: ceiling, now: time.Now}
}

// NATS KV keys cannot contain ':', so the JOB:{id} key of the wire layout
// becomes JOB.{id}.
func statusKey(jobID string) string { return "JOB." + jobID }
func sealKey(jobID string) string   { return "SEAL." + jobID }

// Create writes the first status of a job.
func (s *StatusStore) Create(ctx context.Context, jobID string, status core.Status) error {
	rec := core.NewStatusRecord(status, s.now().UTC())
	if err := s.bucket.createRecord(ctx, statusKey(jobID), rec); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return core.NewConflictError("job already exists", map[string]any{"job_id": jobID})
		}
		return fmt.Errorf("create status %s: %w", jobID, err)
	}
	return nil
}

// Get returns the latest status of a job and slides its expiry.
func (s *StatusStore) Get(ctx context.Context, jobID string) (core.Status, error) {
	e, err := s.load(ctx, jobID)
	if err != nil {
		return "", err
	}
	if s.sliding > 0 && s.now().Sub(e.written) >= s.sliding/2 {
		// A conflict means another write just refreshed the key.
		_ = s.bucket.swapRecord(ctx, statusKey(jobID), e.record, e.revision)
	}
	return e.record.Status, nil
}

func (s *StatusStore) load(ctx context.Context, jobID string) (recordEntry, error) {
	e, err := s.bucket.getRecord(ctx, statusKey(jobID))
	if err != nil {
		return recordEntry{}, err
	}
	if e.record.Expired(s.now(), s.ceiling) {
		_ = s.bucket.delete(ctx, statusKey(jobID))
		return recordEntry{}, core.ErrNotFound
	}
	return e, nil
}

// Set applies a checked transition with a revision compare-and-swap.
func (s *StatusStore) Set(ctx context.Context, jobID string, status core.Status) (core.Status, error) {
	var lastErr error
	for i := 0; i < maxUpdateAttempts; i++ {
		e, err := s.load(ctx, jobID)
		if err != nil {
			return "", err
		}
		rec := e.record
		prior, ok := rec.Advance(status)
		if !ok {
			return prior, core.ErrIllegalTransition
		}
		if err := s.bucket.swapRecord(ctx, statusKey(jobID), rec, e.revision); err != nil {
			// Revision conflict; someone else wrote in between.
			lastErr = err
			continue
		}
		return prior, nil
	}
	return "", fmt.Errorf("set status %s to %s: %w", jobID, status, lastErr)
}

// ClaimSeal takes the seal claim for jobID on behalf of owner.
func (s *StatusStore) ClaimSeal(ctx context.Context, jobID, owner string) (bool, error) {
	ok, err := s.bucket.claim(ctx, sealKey(jobID), owner)
	if err != nil {
		return false, fmt.Errorf("claim seal %s: %w", jobID, err)
	}
	return ok, nil
}

// MarkSealed closes the seal claim for good.
func (s *StatusStore) MarkSealed(ctx context.Context, jobID string) error {
	if err := s.bucket.put(ctx, sealKey(jobID), sealedValue); err != nil {
		return fmt.Errorf("mark sealed %s: %w", jobID, err)
	}
	return nil
}
