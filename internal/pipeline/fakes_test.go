package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/status"
)

type published struct {
	route   core.Route
	env     core.Envelope
	payload []byte
}

type deadLettered struct {
	stage  string
	env    core.Envelope
	reason string
}

// recordingChannel is an in-memory core.Channel.
type recordingChannel struct {
	mu          sync.Mutex
	published   []published
	dead        []deadLettered
	publishFunc func(route core.Route, env core.Envelope) error
}

func (c *recordingChannel) Publish(_ context.Context, route core.Route, env core.Envelope, payload []byte) error {
	if c.publishFunc != nil {
		if err := c.publishFunc(route, env); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{route: route, env: env, payload: payload})
	return nil
}

func (c *recordingChannel) DeadLetter(_ context.Context, stage string, d core.Delivery, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, deadLettered{stage: stage, env: d.Envelope(), reason: reason})
	return nil
}

// take removes and returns everything published so far.
func (c *recordingChannel) take() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.published
	c.published = nil
	return out
}

func (c *recordingChannel) routes() []core.Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Route
	for _, p := range c.published {
		out = append(out, p.route)
	}
	return out
}

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	env     core.Envelope
	payload []byte
	attempt int

	acked    bool
	rejected bool
	retried  bool
	delay    time.Duration
}

func newDelivery(sender string, route core.Route, payload []byte) *fakeDelivery {
	return &fakeDelivery{env: core.NewEnvelope(sender, route), payload: payload, attempt: 1}
}

func (d *fakeDelivery) Envelope() core.Envelope { return d.env }
func (d *fakeDelivery) Payload() []byte         { return d.payload }
func (d *fakeDelivery) Attempt() int            { return d.attempt }
func (d *fakeDelivery) Ack() error              { d.acked = true; return nil }
func (d *fakeDelivery) Reject() error           { d.rejected = true; return nil }
func (d *fakeDelivery) Retry(delay time.Duration) error {
	d.retried = true
	d.delay = delay
	return nil
}

// redeliver returns a copy of d as the broker would hand it out again.
func (d *fakeDelivery) redeliver() *fakeDelivery {
	return &fakeDelivery{env: d.env, payload: d.payload, attempt: d.attempt + 1}
}

func (d *fakeDelivery) settled() string {
	switch {
	case d.acked:
		return "ack"
	case d.rejected:
		return "reject"
	case d.retried:
		return "retry"
	default:
		return "none"
	}
}

// statusTrace wraps a store and records every applied status write.
type statusTrace struct {
	core.StatusStore
	mu     sync.Mutex
	writes map[string][]core.Status
}

func newStatusTrace(store core.StatusStore) *statusTrace {
	return &statusTrace{StatusStore: store, writes: map[string][]core.Status{}}
}

func (s *statusTrace) Create(ctx context.Context, jobID string, st core.Status) error {
	err := s.StatusStore.Create(ctx, jobID, st)
	if err == nil {
		s.record(jobID, st)
	}
	return err
}

func (s *statusTrace) Set(ctx context.Context, jobID string, st core.Status) (core.Status, error) {
	prior, err := s.StatusStore.Set(ctx, jobID, st)
	if err == nil {
		s.record(jobID, st)
	}
	return prior, err
}

func (s *statusTrace) record(jobID string, st core.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[jobID] = append(s.writes[jobID], st)
}

func (s *statusTrace) trace(jobID string) []core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Status(nil), s.writes[jobID]...)
}

func (s *statusTrace) count(jobID string, st core.Status) int {
	n := 0
	for _, w := range s.trace(jobID) {
		if w == st {
			n++
		}
	}
	return n
}

func newMemoryStore() *status.MemoryStore {
	return status.NewMemoryStore(2*time.Minute, 15*time.Minute)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{Logger: quietLogger(), Retry: RetryPolicy{MaxDeliver: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}}
}

func mustPayload(t *testing.T, a core.Artifact) []byte {
	t.Helper()
	data, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func createJob(t *testing.T, store core.StatusStore, st core.Status) string {
	t.Helper()
	id := core.NewJobID()
	if err := store.Create(context.Background(), id, st); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

// tagTransform prefixes every file with tag so tests can tell outputs apart.
func tagTransform(tag string) TransformFunc {
	return func(_ context.Context, files [][]byte) ([][]byte, error) {
		out := make([][]byte, len(files))
		for i, f := range files {
			out[i] = append([]byte(tag+":"), f...)
		}
		return out, nil
	}
}
