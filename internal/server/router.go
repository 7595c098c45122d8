package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-imagepipe/internal/api"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Submitter api.Submitter
	Control   api.Controller
	Archives  api.Archives
}

// NewRouter creates the control plane router. /health and /metrics stay
// open; job endpoints require the API key when one is configured.
func NewRouter(deps Deps, cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)

	r.Get("/health", api.Health)
	r.Handle("/metrics", promhttp.Handler())

	h := api.NewJobHandler(deps.Submitter, deps.Control, deps.Archives, nil)
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = api.DefaultMaxUploadBytes
	}

	r.Group(func(r chi.Router) {
		r.Use(api.APIKey(cfg.APIKey))

		r.With(api.LimitBody(maxUpload)).Post("/upload", h.Upload)
		r.Get("/status/{jobId}", h.Status)
		r.With(api.LimitBody(1<<20)).Put("/status/{jobId}", h.SetStatus)
		r.Post("/abort/{jobId}", h.Abort)
		r.Get("/download/{jobId}", h.Download)
	})

	return r
}

// NewMetricsRouter serves /metrics and /health for worker processes.
func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", api.Health)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
