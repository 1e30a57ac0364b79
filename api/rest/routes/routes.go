package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sbom-orchestrator/api/rest/handlers"
	"sbom-orchestrator/core/repository"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, store repository.Store, trigger handlers.EventTrigger, canceller handlers.GenerationCanceller) {
	eventHandler := handlers.NewEventHandler(trigger, store)
	generationHandler := handlers.NewGenerationHandler(store, canceller)
	dashboardHandler := handlers.NewDashboardHandler(store)

	api := r.PathPrefix("/v1").Subrouter()

	// Event endpoints
	api.HandleFunc("/events", eventHandler.TriggerEvent).Methods("POST")
	api.HandleFunc("/events/{id}", eventHandler.GetEvent).Methods("GET")
	api.HandleFunc("/events/{id}/retry", eventHandler.RetryEvent).Methods("POST")
	api.HandleFunc("/events/{id}/generations", eventHandler.GetEventGenerations).Methods("GET")

	// Generation endpoints
	api.HandleFunc("/generations", generationHandler.ListGenerations).Methods("GET")
	api.HandleFunc("/generations/{id}", generationHandler.GetGeneration).Methods("GET")
	api.HandleFunc("/generations/{id}/cancel", generationHandler.CancelGeneration).Methods("POST")
	api.HandleFunc("/generations/{id}/manifests", generationHandler.GetGenerationManifests).Methods("GET")
	api.HandleFunc("/manifests/{id}", generationHandler.GetManifest).Methods("GET")

	api.HandleFunc("/dashboard/generations", dashboardHandler.GetGenerationStats).Methods("GET")

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
