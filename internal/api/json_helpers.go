package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"birdnest/internal/models"
	"birdnest/internal/observability/logging"
)

const maxRequestBodyBytes = 1 << 20

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// StatusForError maps an error category to an HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrMalformedDelta):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Unclassified errors
// are logged and reported without their details.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		logging.WithContext(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, errors.New(http.StatusText(status)))
		return
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		logging.WithContext(r.Context(), h.logger).Warn("dependency unavailable", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return fmt.Errorf("%w: request body is required", models.ErrInvalidInput)
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: decode request body: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func componentLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithComponent(logger, "api")
}
