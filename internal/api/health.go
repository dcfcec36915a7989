package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all dependency checks of one probe.
const healthCheckTimeout = 3 * time.Second

// HealthChecker is implemented by every infrastructure client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check is a named dependency probed by /healthz.
type Check struct {
	Name    string
	Checker HealthChecker

	// Optional checks are reported but never fail the probe.
	Optional bool
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// Health statuses.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "unavailable"
)

// handleHealth runs every check and answers 503 if a required one fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  healthOK,
		Version: s.version,
		Checks:  make(map[string]string, len(s.checks)),
	}
	status := http.StatusOK

	for _, c := range s.checks {
		if err := c.Checker.HealthCheck(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			if c.Optional {
				if resp.Status == healthOK {
					resp.Status = healthDegraded
				}
				continue
			}
			resp.Status = healthDown
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = healthOK
	}

	if status != http.StatusOK {
		s.logger.Warn("health check failed", "checks", resp.Checks)
	}
	writeJSON(w, status, resp)
}
