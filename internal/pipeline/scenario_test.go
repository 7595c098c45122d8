package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

type handler interface {
	Handle(ctx context.Context, d core.Delivery)
}

// harness wires every stage to one recording channel and delivers
// published messages until the pipeline goes quiet.
type harness struct {
	t         *testing.T
	store     *statusTrace
	ch        *recordingChannel
	area      *workarea.Area
	admission *Admission
	control   *Control
	handlers  map[core.Route]handler
	produced  map[core.Route]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	area, err := workarea.New(t.TempDir())
	if err != nil {
		t.Fatalf("workarea.New: %v", err)
	}
	store := newStatusTrace(newMemoryStore())
	ch := &recordingChannel{}
	opts := testOptions()

	asm := NewAssembler(store, ch, area, opts)
	h := &harness{
		t:         t,
		store:     store,
		ch:        ch,
		area:      area,
		admission: newTestAdmission(store, ch),
		control:   NewControl(store),
		produced:  map[core.Route]int{},
		handlers: map[core.Route]handler{
			core.RouteIngressOCR:     NewWorker(OCRStage, store, ch, tagTransform("text"), opts),
			core.RouteIngressGIF:     NewWorker(AnimationStage, store, ch, TransformFunc(joinFrames), opts),
			core.RouteOCRRender:      NewWorker(RenderStage, store, ch, TransformFunc(joinFrames), opts),
			core.RouteRenderAssembly: asm,
			core.RouteGIFAssembly:    asm,
		},
	}
	return h
}

// joinFrames collapses all inputs into one output file.
func joinFrames(_ context.Context, files [][]byte) ([][]byte, error) {
	var out []byte
	for _, f := range files {
		out = append(out, f...)
	}
	return [][]byte{out}, nil
}

// drain delivers messages in publish order. reverse flips each batch to
// interleave the branches differently.
func (h *harness) drain(reverse bool) {
	for i := 0; i < 20; i++ {
		batch := h.ch.take()
		if len(batch) == 0 {
			return
		}
		if reverse {
			for l, r := 0, len(batch)-1; l < r; l, r = l+1, r-1 {
				batch[l], batch[r] = batch[r], batch[l]
			}
		}
		for _, p := range batch {
			h.produced[p.route]++
			d := &fakeDelivery{env: p.env, payload: p.payload, attempt: 1}
			h.handlers[p.route].Handle(context.Background(), d)
			if d.settled() != "ack" {
				h.t.Fatalf("delivery on %s settled %s", p.route, d.settled())
			}
		}
	}
	h.t.Fatal("pipeline did not go quiet")
}

func TestScenarioFullPipeline(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		h := newHarness(t)
		id, err := h.admission.Submit(context.Background(), [][]byte{[]byte("image-1")})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		h.drain(reverse)

		st, err := h.control.Status(context.Background(), id)
		if err != nil || st != core.StatusFileDone {
			t.Fatalf("status = %s, %v; want FILE-DONE", st, err)
		}
		if n := h.store.count(id, core.StatusFileDone); n != 1 {
			t.Errorf("FILE-DONE written %d times", n)
		}
		for _, route := range []core.Route{core.RouteOCRRender, core.RouteRenderAssembly, core.RouteGIFAssembly} {
			if h.produced[route] != 1 {
				t.Errorf("route %s carried %d messages, want 1", route, h.produced[route])
			}
		}

		entries := readArchive(t, h.area, id)
		if got := entries[id+"/"+id+core.ExtPDF]; got != "text:image-1" {
			t.Errorf("pdf entry = %q", got)
		}
		if got := entries[id+"/"+id+core.ExtGIF]; got != "image-1" {
			t.Errorf("gif entry = %q", got)
		}
		if len(entries) != 2 {
			t.Errorf("archive entries = %v", entries)
		}

		assertBranchOrder(t, h.store.trace(id),
			[]core.Status{core.StatusOCRStart, core.StatusOCRDone, core.StatusPDFStart, core.StatusPDFDone},
			[]core.Status{core.StatusGIFStart, core.StatusGIFDone},
			[]core.Status{core.StatusFileStart, core.StatusFileDone},
		)
	}
}

func assertBranchOrder(t *testing.T, trace []core.Status, branches ...[]core.Status) {
	t.Helper()
	pos := map[core.Status]int{}
	for i, st := range trace {
		if _, seen := pos[st]; !seen {
			pos[st] = i
		}
	}
	for _, branch := range branches {
		for i := 1; i < len(branch); i++ {
			a, okA := pos[branch[i-1]]
			b, okB := pos[branch[i]]
			if !okA || !okB || a > b {
				t.Errorf("trace %v: %s must precede %s", trace, branch[i-1], branch[i])
			}
		}
	}
}

func TestScenarioAbortImmediately(t *testing.T) {
	h := newHarness(t)
	id, err := h.admission.Submit(context.Background(), [][]byte{[]byte("image-1")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	prior, err := h.control.Abort(context.Background(), id)
	if err != nil || prior != core.StatusUploaded {
		t.Fatalf("Abort = %s, %v", prior, err)
	}
	h.drain(false)

	for _, route := range []core.Route{core.RouteOCRRender, core.RouteRenderAssembly, core.RouteGIFAssembly} {
		if h.produced[route] != 0 {
			t.Errorf("route %s carried %d messages after abort", route, h.produced[route])
		}
	}
	if st, _ := h.control.Status(context.Background(), id); st != core.StatusAbort {
		t.Errorf("status = %s, want ABORT", st)
	}
	if trace := h.store.trace(id); len(trace) != 2 {
		t.Errorf("trace = %v, want UPLOADED then ABORT", trace)
	}
}

func TestScenarioUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.control.Status(context.Background(), core.NewJobID())
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}
