package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/LiveAuction/internal/service"
)

const healthCheckTimeout = 2 * time.Second

// BridgeStatus is the read side of the bridge used by the operational endpoints.
type BridgeStatus interface {
	Stats() service.Stats
	ActiveSessions() int
	BreakerState() string
}

// HealthCheck probes one dependency. Check returns nil when it is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers serves the non-streaming endpoints.
type Handlers struct {
	Bridge BridgeStatus
	Checks []HealthCheck
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Breaker      string            `json:"breaker"`
}

// Health handles GET /health. It answers 503 when any dependency check fails
// or the upstream breaker is open.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:       "ok",
		Dependencies: make(map[string]string, len(h.Checks)),
		Breaker:      h.Bridge.BreakerState(),
	}
	for _, c := range h.Checks {
		if err := c.Check(ctx); err != nil {
			resp.Dependencies[c.Name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Dependencies[c.Name] = "ok"
	}
	if resp.Breaker == "open" {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	ActiveSessions int `json:"active_sessions"`
	service.Stats
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		ActiveSessions: h.Bridge.ActiveSessions(),
		Stats:          h.Bridge.Stats(),
	})
}
