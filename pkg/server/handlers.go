package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/flightreduce/pkg/httpx"
	"github.com/nicktill/flightreduce/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Reductions monitor.JobStatus `json:"reductions"`
	Retention  monitor.JobStatus `json:"retention"`
}

// handleHealth returns service health status.
func handleHealth(reductions, retention *monitor.JobMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:     "healthy",
			Version:    Version,
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			Reductions: reductions.Status(),
			Retention:  retention.Status(),
		}

		statusCode := http.StatusOK
		if !response.Reductions.Healthy || !response.Retention.Healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		usage := StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		}

		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	h *Handlers,
	storageMonitor *monitor.StorageMonitor,
	retention *monitor.JobMonitor,
	port string,
) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))
	router.Use(requestMiddleware(h.Metrics))

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()

	// Upload and reduce
	api.HandleFunc("/logs", h.Upload.HandleUpload).Methods("POST")
	api.HandleFunc("/logs/{log_id}", h.Upload.HandleUpload).Methods("POST")

	// Reduced logs
	api.HandleFunc("/logs", h.Query.HandleLogs).Methods("GET")
	api.HandleFunc("/logs/{log_id}", h.Query.HandleOverview).Methods("GET")
	api.HandleFunc("/logs/{log_id}", h.Query.HandleDelete).Methods("DELETE")
	api.HandleFunc("/logs/{log_id}/records", h.Query.HandleRecords).Methods("GET")
	api.HandleFunc("/logs/{log_id}/phases", h.Query.HandlePhases).Methods("GET")
	api.HandleFunc("/logs/{log_id}/statistics", h.Query.HandleStatistics).Methods("GET")
	api.HandleFunc("/logs/{log_id}/summaries", h.Query.HandleSummaries).Methods("GET")
	api.HandleFunc("/logs/{log_id}/summary", h.Query.HandleSummaryText).Methods("GET")

	// Export/import
	api.HandleFunc("/logs/{log_id}/export", h.Export.HandleExport).Methods("GET")
	api.HandleFunc("/import", h.Export.HandleImport).Methods("POST")

	// Metadata and stats
	api.HandleFunc("/stats", h.Query.HandleStats).Methods("GET")
	api.HandleFunc("/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	api.HandleFunc("/health", handleHealth(h.Reductions, retention)).Methods("GET")

	// WebSocket for live phase boundaries
	api.HandleFunc("/ws", h.Hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			// Only set CORS headers for allowed origins
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
