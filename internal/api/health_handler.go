package api

import (
	"net/http"
	"time"
)

// HealthHandler handles the liveness endpoint
type HealthHandler struct {
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{started: time.Now()}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}
