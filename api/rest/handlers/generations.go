package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// GenerationCanceller cancels generations through their controller
type GenerationCanceller interface {
	Cancel(ctx context.Context, generationID, reason string) (*models.Generation, error)
}

// GenerationHandler handles generation and manifest HTTP requests
type GenerationHandler struct {
	store     repository.Store
	canceller GenerationCanceller
}

// NewGenerationHandler creates a new generation handler
func NewGenerationHandler(store repository.Store, canceller GenerationCanceller) *GenerationHandler {
	return &GenerationHandler{store: store, canceller: canceller}
}

// CancelRequest is the optional body of a cancel request
type CancelRequest struct {
	Reason string `json:"reason"`
}

// GetGeneration handles GET /v1/generations/{id}
func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGeneration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListGenerations handles GET /v1/generations
func (h *GenerationHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	filter, err := generationFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	gens, err := h.store.ListGenerations(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: gens})
}

// CancelGeneration handles POST /v1/generations/{id}/cancel
func (h *GenerationHandler) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, errors.NewValidationError("body", "invalid cancel request").WithCause(err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + changedBy(r)
	}

	g, err := h.canceller.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetGenerationManifests handles GET /v1/generations/{id}/manifests
func (h *GenerationHandler) GetGenerationManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.store.ListManifests(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: manifests})
}

// GetManifest handles GET /v1/manifests/{id}. With ?raw=true only the
// generated document is returned.
func (h *GenerationHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetManifest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
		w.Header().Set("Content-Type", "application/vnd.cyclonedx+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(m.BOM)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func generationFilter(r *http.Request) (repository.GenerationFilter, error) {
	q := r.URL.Query()
	filter := repository.GenerationFilter{
		Status:    models.GenerationStatus(q.Get("status")),
		Result:    models.GenerationResult(q.Get("result")),
		Generator: q.Get("generator"),
		Limit:     defaultListLimit,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.NewValidationError("limit", "must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}

	metadata, err := parseMetadata(q["metadata"])
	if err != nil {
		return filter, err
	}
	if len(metadata) > 1 {
		return filter, errors.NewValidationError("metadata", "at most one metadata filter is supported")
	}
	for k, v := range metadata {
		filter.MetadataKey, filter.MetadataValue = k, v
	}
	return filter, nil
}
