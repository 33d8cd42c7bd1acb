package api

import (
	"net/http"

	"collabsync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware order: tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/pages", h.CreatePage).Methods("POST")
	api.HandleFunc("/pages/{id}", h.GetPage).Methods("GET")
	api.HandleFunc("/pages/{id}/permissions", h.GrantPermission).Methods("POST")
	api.HandleFunc("/sync/stats", h.SyncStats).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Collaboration websocket
	r.HandleFunc("/ws/pages/{id}", h.HandlePageWebSocket)

	return r
}
