// Package httpapi implements the Switchboard-facing HTTP surface named in
// spec §6.1/§6.2: the ingest envelope endpoint, the heartbeat endpoint, and
// the dashboard's read/decide endpoints, plus the WebSocket upgrade for
// internal/events' live fleet telemetry feed.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/butlerfleet/internal/approvals"
	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/events"
	"github.com/codeready-toolchain/butlerfleet/internal/ingest"
	"github.com/codeready-toolchain/butlerfleet/internal/obsv"
	"github.com/codeready-toolchain/butlerfleet/internal/registry"
)

// RouteInboxDepths is the dashboard depth-read seam;
// *db.RouteInboxRepo satisfies it in production.
type RouteInboxDepths interface {
	CountAcceptedByButler(ctx context.Context) (map[string]int, error)
}

// PendingApprovals is the dashboard approval-queue read seam;
// *db.PendingActionRepo satisfies it in production.
type PendingApprovals interface {
	ListPending(ctx context.Context, limit int) ([]db.PendingActionRow, error)
}

// Server is the Switchboard's HTTP API.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	ingest       *ingest.Service
	registry     *registry.Registry
	approvals    *approvals.Service
	pendingReads PendingApprovals
	routeInbox   RouteInboxDepths
	dbClient     *db.Client
	breakers     *breaker.Registry
	connManager  *events.ConnectionManager

	ingestLimiter *rate.Limiter
}

// New constructs a Server and registers every route. connManager may be nil,
// in which case the WebSocket endpoint answers 503 without upgrading the
// connection — see wsHandler.
func New(
	ingestSvc *ingest.Service,
	reg *registry.Registry,
	approvalsSvc *approvals.Service,
	pendingReads PendingApprovals,
	routeInbox RouteInboxDepths,
	dbClient *db.Client,
	breakers *breaker.Registry,
	connManager *events.ConnectionManager,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		ingest:        ingestSvc,
		registry:      reg,
		approvals:     approvalsSvc,
		pendingReads:  pendingReads,
		routeInbox:    routeInbox,
		dbClient:      dbClient,
		breakers:      breakers,
		connManager:   connManager,
		ingestLimiter: rate.NewLimiter(rate.Limit(ingestRPS), ingestBurst),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit("2M"))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(obsv.Handler()))

	sb := s.echo.Group("/api/switchboard")
	sb.POST("/ingest", s.ingestHandler, ingestRateLimitMiddleware(s.ingestLimiter))
	sb.POST("/heartbeat", s.heartbeatHandler)
	sb.GET("/registry", s.listRegistryHandler)
	sb.GET("/route_inbox/depth", s.routeInboxDepthHandler)
	sb.GET("/approvals/pending", s.listPendingApprovalsHandler)
	sb.POST("/approvals/:id/decide", s.decideApprovalHandler)
	sb.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used by
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
