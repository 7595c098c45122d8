package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

func TestControlStatusNotFound(t *testing.T) {
	c := NewControl(newMemoryStore())
	for _, id := range []string{core.NewJobID(), "not-a-job", ""} {
		_, err := c.Status(context.Background(), id)
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("Status(%q) err = %v, want not found", id, err)
		}
	}
}

func TestControlAbort(t *testing.T) {
	store := newMemoryStore()
	c := NewControl(store)
	id := createJob(t, store, core.StatusOCRStart)

	prior, err := c.Abort(context.Background(), id)
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if prior != core.StatusOCRStart {
		t.Errorf("prior = %s, want OCR-START", prior)
	}
	st, _ := c.Status(context.Background(), id)
	if st != core.StatusAbort {
		t.Errorf("status = %s, want ABORT", st)
	}

	// Aborting again reports ABORT and stays aborted.
	prior, err = c.Abort(context.Background(), id)
	if err != nil || prior != core.StatusAbort {
		t.Errorf("second Abort = %s, %v", prior, err)
	}
}

func TestControlAbortUnknown(t *testing.T) {
	c := NewControl(newMemoryStore())
	if _, err := c.Abort(context.Background(), core.NewJobID()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestControlSet(t *testing.T) {
	store := newMemoryStore()
	c := NewControl(store)
	id := createJob(t, store, core.StatusUploaded)

	if _, err := c.Set(context.Background(), id, core.StatusGIFStart); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := c.Set(context.Background(), id, core.Status("DONE")); err == nil {
		t.Error("expected error for unknown status")
	}

	c.Abort(context.Background(), id)
	_, err := c.Set(context.Background(), id, core.StatusGIFDone)
	var e *core.Error
	if !errors.As(err, &e) || e.Code != core.ErrCodeConflict {
		t.Errorf("write after abort err = %v, want conflict", err)
	}
}
