package httpapi

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
	"github.com/codeready-toolchain/butlerfleet/internal/registry"
)

// heartbeatHandler handles POST /api/switchboard/heartbeat, per spec §6.2.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed heartbeat body: "+err.Error())
	}
	if req.ButlerName == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "butler_name is required")
	}

	result, err := s.registry.Heartbeat(c.Request().Context(), req.ButlerName)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownButler) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		// Any other failure here is the registry's store being unreachable:
		// Heartbeat has no other failure mode once the butler is known.
		setRetryAfter(c, 5)
		return mapServiceError(errtax.TargetUnavailable("registry store unavailable: %v", err))
	}

	return c.JSON(http.StatusOK, HeartbeatResponse{
		Status:           result.Status,
		EligibilityState: result.EligibilityState,
	})
}
