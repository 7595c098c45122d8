package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/pipeline"
	"github.com/openjobspec/ojs-imagepipe/internal/status"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

type countingPublisher struct {
	mu     sync.Mutex
	routes []core.Route
}

func (p *countingPublisher) Publish(_ context.Context, route core.Route, _ core.Envelope, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, route)
	return nil
}

func newRouterServer(t *testing.T, cfg Config) (*httptest.Server, *countingPublisher) {
	t.Helper()
	store := status.NewMemoryStore(2*time.Minute, 15*time.Minute)
	area, err := workarea.New(t.TempDir())
	if err != nil {
		t.Fatalf("workarea.New: %v", err)
	}
	pub := &countingPublisher{}
	deps := Deps{
		Submitter: pipeline.NewAdmission(store, pub, pipeline.AdmissionOptions{}),
		Control:   pipeline.NewControl(store),
		Archives:  area,
	}
	ts := httptest.NewServer(NewRouter(deps, cfg))
	t.Cleanup(ts.Close)
	return ts, pub
}

func uploadImage(t *testing.T, url, apiKey string) *http.Response {
	t.Helper()
	var img bytes.Buffer
	png.Encode(&img, image.NewGray(image.Rect(0, 0, 1, 1)))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("files", "a.png")
	fw.Write(img.Bytes())
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, url+"/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()
	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestRouter_JobLifecycle(t *testing.T) {
	ts, pub := newRouterServer(t, Config{})

	resp := uploadImage(t, ts.URL, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	jobID, _ := decodeJSONBody(t, resp.Body)["job_id"].(string)
	if !core.IsValidJobID(jobID) {
		t.Fatalf("job_id = %q", jobID)
	}
	if len(pub.routes) != 2 {
		t.Errorf("published routes = %v", pub.routes)
	}

	resp, _ = http.Get(ts.URL + "/status/" + jobID)
	if got := decodeJSONBody(t, resp.Body)["status"]; got != "UPLOADED" {
		t.Errorf("status = %v", got)
	}

	resp, _ = http.Post(ts.URL+"/abort/"+jobID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort status = %d", resp.StatusCode)
	}
	if got := decodeJSONBody(t, resp.Body)["prior_status"]; got != "UPLOADED" {
		t.Errorf("prior_status = %v", got)
	}

	resp, _ = http.Get(ts.URL + "/status/" + jobID)
	if got := decodeJSONBody(t, resp.Body)["status"]; got != "ABORT" {
		t.Errorf("status after abort = %v", got)
	}

	resp, _ = http.Get(ts.URL + "/download/" + jobID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download status = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_UnknownJob(t *testing.T) {
	ts, _ := newRouterServer(t, Config{})

	for _, path := range []string{"/status/" + core.NewJobID(), "/status/not-a-job"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	resp, _ := http.Post(ts.URL+"/abort/"+core.NewJobID(), "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("abort unknown = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_APIKey(t *testing.T) {
	ts, _ := newRouterServer(t, Config{APIKey: "secret"})

	resp := uploadImage(t, ts.URL, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("upload without key = %d, want 401", resp.StatusCode)
	}
	resp = uploadImage(t, ts.URL, "secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("upload with key = %d, want 200", resp.StatusCode)
	}

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRouter_UploadTooLarge(t *testing.T) {
	ts, pub := newRouterServer(t, Config{MaxUploadBytes: 64})

	resp := uploadImage(t, ts.URL, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(pub.routes) != 0 {
		t.Errorf("oversized upload was published")
	}
}
