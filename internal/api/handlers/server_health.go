package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rbs.io/buffer/internal/provider"
)

// Health status values.
const (
	HealthStatusOk       = "ok"
	HealthStatusDegraded = "degraded"
)

// Health is the probe response body.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, Health{Status: HealthStatusOk})
}

// GetReadiness handles GET /health/ready.
//
// The store must answer a ping. An UNREACHABLE backend also fails readiness;
// UNKNOWN does not, so a fresh process is ready before the first probe.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if err := s.store.Ping(c.Request.Context()); err != nil {
		checks["store"] = "error"
		allHealthy = false
	} else {
		checks["store"] = "ok"
	}

	if s.backend != nil {
		h := s.backend.Health()
		checks["backend"] = string(h.Status)
		if h.Status == provider.BackendStatusUnreachable {
			allHealthy = false
		}
	}

	status := HealthStatusOk
	httpStatus := http.StatusOK
	if !allHealthy {
		status = HealthStatusDegraded
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, Health{
		Status: status,
		Checks: checks,
	})
}
