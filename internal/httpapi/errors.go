package httpapi

import (
	"log/slog"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
)

// mapServiceError maps a classified internal error to the HTTP status/body
// contract named in spec §7: validation→422, not_found→404, conflict→409,
// overload_rejected→429 with Retry-After, target_unavailable→503 with
// Retry-After, timeout→504, internal→500.
func mapServiceError(err error) *echo.HTTPError {
	class := errtax.ClassOf(err)
	status := errtax.HTTPStatus(class)

	if class == errtax.ClassInternal {
		slog.Error("unexpected switchboard API error", "error", err)
		return echo.NewHTTPError(status, "internal server error")
	}
	return echo.NewHTTPError(status, err.Error())
}

// setRetryAfter sets the Retry-After header for 429/503 responses, per spec §7.
func setRetryAfter(c *echo.Context, seconds int) {
	c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
}
