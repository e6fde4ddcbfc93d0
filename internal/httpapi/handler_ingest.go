package httpapi

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/butlerfleet/internal/ingest"
)

// ingestHandler handles POST /api/switchboard/ingest, the ingest.v1 envelope
// contract of spec §6.1.
func (s *Server) ingestHandler(c *echo.Context) error {
	var env ingest.Envelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed ingest envelope: "+err.Error())
	}

	result, err := s.ingest.Ingest(c.Request().Context(), env)
	if err != nil {
		return mapServiceError(err)
	}

	if result.Status == "rejected" {
		return c.JSON(http.StatusUnprocessableEntity, result)
	}
	return c.JSON(http.StatusAccepted, result)
}
