package httpapi

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /health. Only butlerd's own components (database,
// circuit breakers) are checked; butler endpoints are excluded so a single
// unreachable butler doesn't trip the orchestrator into restarting butlerd.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := s.dbClient.Health(reqCtx)
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: dbHealth.Status}
	}

	if s.breakers != nil {
		open := 0
		for _, st := range s.breakers.Statuses() {
			if st.State == "open" {
				open++
			}
		}
		if open > 0 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["circuit_breakers"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: "one or more provider circuits open",
			}
		} else {
			checks["circuit_breakers"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status: status,
		Checks: checks,
	})
}
