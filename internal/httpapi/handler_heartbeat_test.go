package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeatHandler_Validation(t *testing.T) {
	// Only validation is tested here; the happy path requires a real registry
	// and is covered by internal/registry's own tests plus end-to-end tests.
	s := &Server{}

	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{name: "malformed json", body: `{`, errMsg: "malformed heartbeat body"},
		{name: "missing butler_name", body: `{}`, errMsg: "butler_name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/switchboard/heartbeat", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.heartbeatHandler(c)
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, http.StatusUnprocessableEntity, he.Code)
					assert.Contains(t, he.Message, tt.errMsg)
				}
			}
		})
	}
}
