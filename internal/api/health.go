package api

import (
	"context"
	"net/http"
	"time"

	"roomchat/internal/httpjson"
)

// Probe pings one dependency.
type Probe func(ctx context.Context) error

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health serves GET /health.
type Health struct {
	probes map[string]Probe
}

func NewHealth(probes map[string]Probe) *Health {
	return &Health{probes: probes}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.probes))
	allHealthy := true
	for name, probe := range h.probes {
		start := time.Now()
		if err := probe(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := HealthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !allHealthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httpjson.JSON(w, status, resp)
}
