package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIngestRateLimitMiddleware_AllowsWithinBudget(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(10), 1)
	mw := ingestRateLimitMiddleware(limiter)
	called := false
	handler := mw(func(c *echo.Context) error {
		called = true
		return c.NoContent(http.StatusAccepted)
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/switchboard/ingest", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler(c)
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestIngestRateLimitMiddleware_RejectsOverBudget(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0), 1)
	limiter.Allow() // consume the single burst token
	mw := ingestRateLimitMiddleware(limiter)
	called := false
	handler := mw(func(c *echo.Context) error {
		called = true
		return c.NoContent(http.StatusAccepted)
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/switchboard/ingest", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler(c)
	assert.False(t, called)
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok, "expected echo.HTTPError") {
			assert.Equal(t, http.StatusTooManyRequests, he.Code)
		}
	}
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
