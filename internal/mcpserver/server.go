package mcpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/notify"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// RouteExecutor is the accept-phase seam; *routeinbox.Inbox satisfies it.
type RouteExecutor interface {
	Accept(ctx context.Context, req routeinbox.AcceptRequest) (routeinbox.AcceptResult, error)
}

// NotifyDispatcher is the notify()-landing seam; *notify.Router satisfies it.
type NotifyDispatcher interface {
	Dispatch(ctx context.Context, reply notify.Reply) error
}

// HealthChecker is the status tool's DB-liveness seam; *db.Client satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) (*db.HealthStatus, error)
}

// BreakerStatuses is the status tool's circuit-state seam. internal/breaker's
// Registry.Statuses() returns its own richer Status type, so cmd/butlerd
// adapts it to this package's narrower BreakerStatus shape at wiring time
// rather than this package importing internal/breaker directly.
type BreakerStatuses interface {
	Statuses() []BreakerStatus
}

// RouteInboxDepths is the status tool's own-queue-depth seam;
// *db.RouteInboxRepo satisfies it.
type RouteInboxDepths interface {
	CountAcceptedByButler(ctx context.Context) (map[string]int, error)
}

// Server is a single butler's inter-butler RPC surface.
type Server struct {
	mux        http.Handler
	httpServer *http.Server

	butlerName string
	router     RouteExecutor
	notifier   NotifyDispatcher
	dbClient   HealthChecker
	breakers   BreakerStatuses
	routeInbox RouteInboxDepths
}

// New constructs a Server and wires its routes. breakers and routeInbox may
// be nil; the status tool then omits the breaker statuses and reports
// route_inbox_depth as 0.
func New(
	butlerName string,
	router RouteExecutor,
	notifier NotifyDispatcher,
	dbClient HealthChecker,
	breakers BreakerStatuses,
	routeInbox RouteInboxDepths,
) *Server {
	s := &Server{
		butlerName: butlerName,
		router:     router,
		notifier:   notifier,
		dbClient:   dbClient,
		breakers:   breakers,
		routeInbox: routeInbox,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/mcp/tools/route.execute", s.routeExecuteHandler)
	r.Post("/mcp/tools/notify", s.notifyHandler)
	r.Get("/mcp/tools/status", s.statusHandler)

	s.mux = r
	return s
}

// Start starts the MCP HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the MCP server on a pre-created listener, used by
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the MCP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
