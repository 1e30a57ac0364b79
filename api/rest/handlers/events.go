package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/initializer"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/repository"
)

const maxRequestBody = 1 << 20

// HeaderChangedBy names the caller in status history
const HeaderChangedBy = "X-Changed-By"

// EventTrigger starts and retries events
type EventTrigger interface {
	Trigger(ctx context.Context, req initializer.TriggerRequest) (*models.Event, error)
	Retry(ctx context.Context, eventID, by string) (*models.Event, error)
}

// EventHandler handles event-related HTTP requests
type EventHandler struct {
	trigger EventTrigger
	store   repository.Store
}

// NewEventHandler creates a new event handler
func NewEventHandler(trigger EventTrigger, store repository.Store) *EventHandler {
	return &EventHandler{trigger: trigger, store: store}
}

// TriggerEvent handles POST /v1/events. The body is an event request in
// YAML or JSON; metadata=key=value query parameters tag the event.
func (h *EventHandler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, errors.NewValidationError("body", "unreadable request body").WithCause(err))
		return
	}

	metadata, err := parseMetadata(r.URL.Query()["metadata"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	event, err := h.trigger.Trigger(r.Context(), initializer.TriggerRequest{
		Request:   body,
		Metadata:  metadata,
		ChangedBy: changedBy(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// GetEvent handles GET /v1/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// RetryEvent handles POST /v1/events/{id}/retry
func (h *EventHandler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.trigger.Retry(r.Context(), mux.Vars(r)["id"], changedBy(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// GetEventGenerations handles GET /v1/events/{id}/generations
func (h *EventHandler) GetEventGenerations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetEvent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	gens, err := h.store.EventGenerations(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: gens})
}

func changedBy(r *http.Request) string {
	if by := strings.TrimSpace(r.Header.Get(HeaderChangedBy)); by != "" {
		return by
	}
	return "api"
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.NewValidationError("metadata", "expected key=value, got "+pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
