package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody mirrors core.Error plus the request id.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, err *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      err.Code,
		Message:   err.Message,
		Retryable: err.Retryable,
		Details:   err.Details,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// HandleError maps err onto a status code and writes it.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		if errors.Is(err, core.ErrNotFound) {
			WriteError(w, http.StatusNotFound, core.NewNotFoundError("Job", ""))
			return
		}
		slog.Error("internal error", "error", err)
		WriteError(w, http.StatusInternalServerError, core.NewInternalError("Internal server error."))
		return
	}
	WriteError(w, statusFor(e.Code), e)
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
