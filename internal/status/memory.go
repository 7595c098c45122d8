// Package status holds the status store backends that are not NATS KV: a
// Redis store for deployments that already run Redis, and an in-process
// store for single-binary development runs.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

type memoryEntry struct {
	record  core.StatusRecord
	expires time.Time
}

// MemoryStore is a process-local core.StatusStore. Reads and writes both
// slide the inactivity window, capped by the absolute ceiling.
type MemoryStore struct {
	mu      sync.Mutex
	sliding time.Duration
	ceiling time.Duration
	now     func() time.Time
	jobs    map[string]*memoryEntry
	seals   map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(sliding, ceiling time.Duration) *MemoryStore {
	return &MemoryStore{
		sliding: sliding,
		ceiling: ceiling,
		now:     time.Now,
		jobs:    make(map[string]*memoryEntry),
		seals:   make(map[string]string),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) lookup(jobID string) (*memoryEntry, bool) {
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	now := m.now()
	if (!e.expires.IsZero() && !now.Before(e.expires)) || e.record.Expired(now, m.ceiling) {
		delete(m.jobs, jobID)
		delete(m.seals, jobID)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) touch(e *memoryEntry) {
	now := m.now()
	ttl := e.record.Remaining(now, m.sliding, m.ceiling)
	if ttl <= 0 {
		e.expires = time.Time{}
		return
	}
	e.expires = now.Add(ttl)
}

func (m *MemoryStore) Create(_ context.Context, jobID string, status core.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(jobID); ok {
		return core.NewConflictError("job already exists", map[string]any{"job_id": jobID})
	}
	e := &memoryEntry{record: core.NewStatusRecord(status, m.now().UTC())}
	m.touch(e)
	m.jobs[jobID] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (core.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(jobID)
	if !ok {
		return "", core.ErrNotFound
	}
	m.touch(e)
	return e.record.Status, nil
}

func (m *MemoryStore) Set(_ context.Context, jobID string, status core.Status) (core.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(jobID)
	if !ok {
		return "", core.ErrNotFound
	}
	rec := e.record
	prior, ok := rec.Advance(status)
	if !ok {
		return prior, core.ErrIllegalTransition
	}
	e.record = rec
	m.touch(e)
	return prior, nil
}

func (m *MemoryStore) ClaimSeal(_ context.Context, jobID, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.seals[jobID]
	if !ok {
		m.seals[jobID] = owner
		return true, nil
	}
	return holder == owner, nil
}

func (m *MemoryStore) MarkSealed(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seals[jobID] = sealedValue
	return nil
}
