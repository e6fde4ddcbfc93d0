package httpapi

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

const defaultPendingApprovalsLimit = 100

// listRegistryHandler handles GET /api/switchboard/registry, the dashboard's
// fleet roster view.
func (s *Server) listRegistryHandler(c *echo.Context) error {
	rows, err := s.registry.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	entries := make([]RegistryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, RegistryEntry{
			ButlerName:           row.ButlerName,
			EndpointURL:          row.EndpointURL,
			LastSeenAt:           row.LastSeenAt,
			EligibilityState:     row.EligibilityState,
			EligibilityUpdatedAt: row.EligibilityUpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, entries)
}

// routeInboxDepthHandler handles GET /api/switchboard/route_inbox/depth, the
// dashboard's per-butler backlog gauge.
func (s *Server) routeInboxDepthHandler(c *echo.Context) error {
	depths, err := s.routeInbox.CountAcceptedByButler(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, RouteInboxDepthResponse{Depths: depths})
}

// listPendingApprovalsHandler handles GET /api/switchboard/approvals/pending.
func (s *Server) listPendingApprovalsHandler(c *echo.Context) error {
	rows, err := s.pendingReads.ListPending(c.Request().Context(), defaultPendingApprovalsLimit)
	if err != nil {
		return mapServiceError(err)
	}

	approvals := make([]PendingApproval, 0, len(rows))
	for _, row := range rows {
		pa := PendingApproval{
			ID:          row.ID,
			Butler:      row.Butler,
			ToolName:    row.ToolName,
			ToolArgs:    row.ToolArgs.Value,
			Summary:     row.Summary,
			Status:      row.Status,
			RequestedAt: row.RequestedAt,
		}
		if row.ExpiresAt.Valid {
			pa.ExpiresAt = &row.ExpiresAt.Time
		}
		approvals = append(approvals, pa)
	}
	return c.JSON(http.StatusOK, approvals)
}

// decideApprovalHandler handles POST /api/switchboard/approvals/:id/decide.
func (s *Server) decideApprovalHandler(c *echo.Context) error {
	id := c.Param("id")

	var req ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed decision body: "+err.Error())
	}
	req.Decision = strings.ToLower(req.Decision)
	if req.Decision != "approve" && req.Decision != "reject" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "decision must be \"approve\" or \"reject\"")
	}
	if req.DecidedBy == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "decided_by is required")
	}

	action, err := s.approvals.Decide(c.Request().Context(), id, req.Decision, req.DecidedBy, req.Reason)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "pending action not found")
		}
		if action != nil && action.Status != "pending" {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, ApprovalDecisionResponse{ID: action.ID, Status: action.Status})
}
