package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/errors"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// writeError maps the error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// ListResponse wraps collections
type ListResponse struct {
	Items interface{} `json:"items"`
}
