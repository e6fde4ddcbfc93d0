package httpapi

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// ingestRPS and ingestBurst bound the raw request rate the ingest endpoint
// accepts before an envelope ever reaches internal/ingest's own validation
// and the layered admission control of spec §4.2 — a coarse, ungrouped
// backstop against a connector retry storm, not a per-channel decision.
const (
	ingestRPS   = 50
	ingestBurst = 100
)

// ingestRateLimitMiddleware rejects requests once the process-wide ingest
// rate exceeds limiter's budget, with 429 Retry-After: 1 advising the
// connector to back off.
func ingestRateLimitMiddleware(limiter *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				c.Response().Header().Set("Retry-After", "1")
				return echo.NewHTTPError(http.StatusTooManyRequests, "ingest rate limit exceeded")
			}
			return next(c)
		}
	}
}
