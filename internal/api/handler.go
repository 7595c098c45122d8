// Package api implements the HTTP control plane: upload, status, abort and
// download.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Download response constants.
const (
	ArchiveContentType = "application/x-zip-compressed"
	ArchiveFilename    = "i2gp_file.zip"
)

// multipartMemory is how much of an upload is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// Submitter starts jobs.
type Submitter interface {
	Submit(ctx context.Context, files [][]byte) (string, error)
}

// Controller reads and changes job status.
type Controller interface {
	Status(ctx context.Context, jobID string) (core.Status, error)
	Abort(ctx context.Context, jobID string) (core.Status, error)
	Set(ctx context.Context, jobID string, status core.Status) (core.Status, error)
}

// Archives opens sealed job archives.
type Archives interface {
	OpenArchive(jobID string) (*os.File, fs.FileInfo, error)
}

// JobHandler serves the job endpoints.
type JobHandler struct {
	submitter Submitter
	control   Controller
	archives  Archives
	logger    *slog.Logger
}

// NewJobHandler creates the job endpoints.
func NewJobHandler(submitter Submitter, control Controller, archives Archives, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{submitter: submitter, control: control, archives: archives, logger: logger}
}

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse carries a job status.
type StatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// PriorStatusResponse carries the status a job had before a change.
type PriorStatusResponse struct {
	JobID       string `json:"job_id"`
	PriorStatus string `json:"prior_status"`
}

// Upload handles POST /upload. Every failure is reported as 400.
func (h *JobHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Expected a multipart form with image files.", map[string]any{"reason": err.Error()}))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, err := readImages(r.MultipartForm)
	if err != nil {
		h.uploadError(w, err)
		return
	}

	jobID, err := h.submitter.Submit(r.Context(), files)
	if err != nil {
		h.logger.Error("upload failed", "error", err)
		h.uploadError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, UploadResponse{JobID: jobID})
}

func (h *JobHandler) uploadError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		e = core.NewInternalError("Could not start the job.")
	}
	WriteError(w, http.StatusBadRequest, e)
}

// readImages reads every uploaded file, "files" fields first and the rest
// by field name, preserving the order within a field. Each file must sniff
// as an image.
func readImages(form *multipart.Form) ([][]byte, error) {
	fields := make([]string, 0, len(form.File))
	for name := range form.File {
		fields = append(fields, name)
	}
	sort.Slice(fields, func(i, j int) bool {
		if (fields[i] == "files") != (fields[j] == "files") {
			return fields[i] == "files"
		}
		return fields[i] < fields[j]
	})

	var files [][]byte
	for _, field := range fields {
		for _, fh := range form.File[field] {
			data, err := readPart(fh)
			if err != nil {
				return nil, core.NewInvalidRequestError("Could not read uploaded file.", map[string]any{"file": fh.Filename})
			}
			mt := mimetype.Detect(data)
			if !strings.HasPrefix(mt.String(), "image/") {
				return nil, core.NewInvalidRequestError("Uploaded file is not an image.", map[string]any{
					"file":         fh.Filename,
					"content_type": mt.String(),
				})
			}
			files = append(files, data)
		}
	}
	if len(files) == 0 {
		return nil, core.NewInvalidRequestError("No files uploaded.", nil)
	}
	return files, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Status handles GET /status/{jobId}.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	status, err := h.control.Status(r.Context(), jobID)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, StatusResponse{JobID: jobID, Status: string(status)})
}

// SetStatus handles PUT /status/{jobId} with body {"status": "..."}.
func (h *JobHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Invalid JSON in request body.", nil))
		return
	}
	prior, err := h.control.Set(r.Context(), jobID, core.Status(req.Status))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, PriorStatusResponse{JobID: jobID, PriorStatus: string(prior)})
}

// Abort handles POST /abort/{jobId}.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	prior, err := h.control.Abort(r.Context(), jobID)
	if err != nil {
		HandleError(w, err)
		return
	}
	h.logger.Info("job aborted", "job_id", jobID, "prior_status", prior)
	WriteJSON(w, http.StatusOK, PriorStatusResponse{JobID: jobID, PriorStatus: string(prior)})
}

// Download handles GET /download/{jobId}.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	f, info, err := h.archives.OpenArchive(jobID)
	if errors.Is(err, core.ErrNotFound) {
		WriteError(w, http.StatusNotFound, core.NewNotFoundError("Archive", jobID))
		return
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", ArchiveContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+ArchiveFilename+`"`)
	http.ServeContent(w, r, ArchiveFilename, info.ModTime(), f)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
