package kv

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

func TestStatusStoreLifecycle(t *testing.T) {
	store := newIntegrationStatusStore(t, 15*time.Minute)
	ctx := context.Background()
	jobID := core.NewJobID()

	if err := store.Create(ctx, jobID, core.StatusUploaded); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, jobID, core.StatusUploaded); err == nil {
		t.Fatal("second Create() should conflict")
	}

	prior, err := store.Set(ctx, jobID, core.StatusOCRStart)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if prior != core.StatusUploaded {
		t.Errorf("Set() prior = %q, want %q", prior, core.StatusUploaded)
	}

	if _, err := store.Set(ctx, jobID, core.StatusAbort); err != nil {
		t.Fatalf("Set(ABORT) error = %v", err)
	}
	if _, err := store.Set(ctx, jobID, core.StatusOCRDone); !errors.Is(err, core.ErrIllegalTransition) {
		t.Fatalf("Set() after ABORT error = %v, want ErrIllegalTransition", err)
	}

	got, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != core.StatusAbort {
		t.Errorf("Get() = %q, want %q", got, core.StatusAbort)
	}
}

func TestStatusStoreUnknownJob(t *testing.T) {
	store := newIntegrationStatusStore(t, 15*time.Minute)
	ctx := context.Background()

	if _, err := store.Get(ctx, core.NewJobID()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := store.Set(ctx, core.NewJobID(), core.StatusAbort); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Set() error = %v, want ErrNotFound", err)
	}
}

func TestStatusStoreAbsoluteCeiling(t *testing.T) {
	store := newIntegrationStatusStore(t, time.Minute)
	ctx := context.Background()
	jobID := core.NewJobID()

	created := time.Now()
	store.now = func() time.Time { return created }
	if err := store.Create(ctx, jobID, core.StatusUploaded); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	store.now = func() time.Time { return created.Add(2 * time.Minute) }
	if _, err := store.Get(ctx, jobID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() past ceiling error = %v, want ErrNotFound", err)
	}
}

func TestStatusStoreSealClaim(t *testing.T) {
	store := newIntegrationStatusStore(t, 15*time.Minute)
	ctx := context.Background()
	jobID := core.NewJobID()

	ok, err := store.ClaimSeal(ctx, jobID, "msg-1")
	if err != nil || !ok {
		t.Fatalf("ClaimSeal(msg-1) = %v, %v; want granted", ok, err)
	}
	if ok, _ := store.ClaimSeal(ctx, jobID, "msg-2"); ok {
		t.Error("ClaimSeal(msg-2) should be refused while msg-1 holds the claim")
	}
	if ok, _ := store.ClaimSeal(ctx, jobID, "msg-1"); !ok {
		t.Error("ClaimSeal(msg-1) should be granted again to its holder")
	}
	if err := store.MarkSealed(ctx, jobID); err != nil {
		t.Fatalf("MarkSealed() error = %v", err)
	}
	if ok, _ := store.ClaimSeal(ctx, jobID, "msg-1"); ok {
		t.Error("ClaimSeal() should be refused once sealed")
	}
}

func newIntegrationStatusStore(t *testing.T, ceiling time.Duration) *StatusStore {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  "imagepipe-status-it",
		Storage: jetstream.MemoryStorage,
		TTL:     2 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test; JetStream unavailable: %v", err)
	}

	return NewStatusStore(bucket, 2*time.Minute, ceiling)
}

func TestStatusStoreBranchNeverFallsBack(t *testing.T) {
	store := newIntegrationStatusStore(t, 15*time.Minute)
	ctx := context.Background()
	jobID := core.NewJobID()

	if err := store.Create(ctx, jobID, core.StatusUploaded); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, st := range []core.Status{core.StatusOCRStart, core.StatusOCRDone, core.StatusGIFStart} {
		if _, err := store.Set(ctx, jobID, st); err != nil {
			t.Fatalf("Set(%s) error = %v", st, err)
		}
	}
	for _, st := range []core.Status{core.StatusOCRStart, core.StatusOCRDone} {
		if _, err := store.Set(ctx, jobID, st); !errors.Is(err, core.ErrIllegalTransition) {
			t.Errorf("replayed Set(%s) error = %v, want ErrIllegalTransition", st, err)
		}
	}
	if got, _ := store.Get(ctx, jobID); got != core.StatusGIFStart {
		t.Errorf("Get() = %q, want GIF-START", got)
	}
}

func TestStatusStoreReadSlidesExpiry(t *testing.T) {
	store := newIntegrationStatusStore(t, 15*time.Minute)
	ctx := context.Background()
	jobID := core.NewJobID()

	if err := store.Create(ctx, jobID, core.StatusUploaded); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	before, err := store.bucket.getRecord(ctx, statusKey(jobID))
	if err != nil {
		t.Fatalf("getRecord() error = %v", err)
	}

	// A fresh entry is read without a rewrite.
	if _, err := store.Get(ctx, jobID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	same, _ := store.bucket.getRecord(ctx, statusKey(jobID))
	if same.revision != before.revision {
		t.Errorf("fresh read rewrote the entry: revision %d -> %d", before.revision, same.revision)
	}

	// Past half the window, a read rewrites it so the bucket TTL restarts.
	store.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	got, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != core.StatusUploaded {
		t.Errorf("Get() = %q, want UPLOADED", got)
	}
	after, err := store.bucket.getRecord(ctx, statusKey(jobID))
	if err != nil {
		t.Fatalf("getRecord() error = %v", err)
	}
	if after.revision <= before.revision {
		t.Errorf("revision = %d, want above %d after a refreshing read", after.revision, before.revision)
	}
	if after.record.Status != core.StatusUploaded || !after.record.CreatedAt.Equal(before.record.CreatedAt) {
		t.Errorf("refresh changed the record: %+v", after.record)
	}
}
