package handlers

import (
	"net/http"

	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/repository"
)

var (
	dashboardStatuses = []models.GenerationStatus{
		models.GenerationStatusNew,
		models.GenerationStatusScheduled,
		models.GenerationStatusGenerating,
		models.GenerationStatusFinished,
		models.GenerationStatusFailed,
		models.GenerationStatusCancelled,
	}
	dashboardFailures = []models.GenerationResult{
		models.ResultErrGeneral,
		models.ResultErrSystem,
		models.ResultErrPost,
	}
)

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	store repository.Store
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(store repository.Store) *DashboardHandler {
	return &DashboardHandler{store: store}
}

// GenerationStats summarizes generations by status and failure result
type GenerationStats struct {
	Generator string         `json:"generator,omitempty"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"byStatus"`
	Failures  map[string]int `json:"failures"`
}

// GetGenerationStats handles GET /v1/dashboard/generations
func (h *DashboardHandler) GetGenerationStats(w http.ResponseWriter, r *http.Request) {
	generator := r.URL.Query().Get("generator")
	stats := GenerationStats{
		Generator: generator,
		ByStatus:  make(map[string]int, len(dashboardStatuses)),
		Failures:  make(map[string]int, len(dashboardFailures)),
	}

	for _, status := range dashboardStatuses {
		n, err := h.store.CountGenerations(r.Context(), repository.GenerationFilter{Status: status, Generator: generator})
		if err != nil {
			writeError(w, r, err)
			return
		}
		stats.ByStatus[string(status)] = n
		stats.Total += n
	}

	for _, result := range dashboardFailures {
		n, err := h.store.CountGenerations(r.Context(), repository.GenerationFilter{
			Status:    models.GenerationStatusFailed,
			Result:    result,
			Generator: generator,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		stats.Failures[string(result)] = n
	}

	writeJSON(w, http.StatusOK, stats)
}
