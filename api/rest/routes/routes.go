package routes

import (
	"github.com/Ankesh-007/peft-studio-sub012/api/rest/handlers"
	"github.com/Ankesh-007/peft-studio-sub012/core/orchestrator"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes.
func SetupRoutes(r *mux.Router, manager *orchestrator.Manager) {
	jobHandler := handlers.NewJobHandler(manager)

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/pause", jobHandler.PauseJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", jobHandler.ResumeJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/artifact", jobHandler.DownloadArtifact).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")

	// Provider endpoints
	api.HandleFunc("/providers", jobHandler.ListProviders).Methods("GET")
}
