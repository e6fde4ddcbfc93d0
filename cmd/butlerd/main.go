// Command butlerd runs one butler fleet daemon: ingest, buffer, pipeline,
// route inbox, spawner, scheduler, approvals, registry, and the Switchboard
// and per-butler MCP HTTP servers, all wired to one Postgres database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/butlerfleet/internal/approvals"
	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/buffer"
	"github.com/codeready-toolchain/butlerfleet/internal/config"
	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/events"
	"github.com/codeready-toolchain/butlerfleet/internal/httpapi"
	"github.com/codeready-toolchain/butlerfleet/internal/ingest"
	"github.com/codeready-toolchain/butlerfleet/internal/llmsession"
	"github.com/codeready-toolchain/butlerfleet/internal/mcpserver"
	"github.com/codeready-toolchain/butlerfleet/internal/notify"
	"github.com/codeready-toolchain/butlerfleet/internal/obsv"
	"github.com/codeready-toolchain/butlerfleet/internal/pipeline"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
	"github.com/codeready-toolchain/butlerfleet/internal/registry"
	"github.com/codeready-toolchain/butlerfleet/internal/retention"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
	"github.com/codeready-toolchain/butlerfleet/internal/scheduler"
	"github.com/codeready-toolchain/butlerfleet/internal/spawner"
	"github.com/codeready-toolchain/butlerfleet/internal/triage"
)

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "directory containing butler.yaml")
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "dotenv file to load before reading configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("no .env file loaded, continuing with process environment", "path", *envPath, "error", err)
	}

	if err := run(*configDir); err != nil {
		slog.Error("butlerd exited with error", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a startup/run failure to the CLI exit codes of spec
// §6.6: 0 clean shutdown, 1 configuration error, 2 everything else.
func exitCodeFor(err error) int {
	if errors.Is(err, config.ErrMissingRequiredField) || errors.Is(err, config.ErrConfigNotFound) || errors.Is(err, config.ErrInvalidYAML) {
		return 1
	}
	return 2
}

func run(configDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.With("butler", cfg.ButlerName)
	log.Info("starting butlerd")

	shutdownTracing, err := obsv.InitTracing(ctx, obsv.TraceConfig{
		ServiceName:          "butlerd-" + cfg.ButlerName,
		OTELExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	dbCfg, err := db.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load db config: %w", err)
	}
	dbCfg.RawDSN = cfg.DatabaseURL

	dbClient, err := db.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbClient.Close()

	// Repositories.
	registryRepo := db.NewButlerRegistryRepo(dbClient)
	fleetEventsRepo := db.NewFleetEventsRepo(dbClient)
	messageInboxRepo := db.NewMessageInboxRepo(dbClient)
	pendingActionRepo := db.NewPendingActionRepo(dbClient)
	approvalRuleRepo := db.NewApprovalRuleRepo(dbClient)
	approvalEventRepo := db.NewApprovalEventRepo(dbClient)
	triageRuleRepo := db.NewTriageRuleRepo(dbClient)
	routeInboxRepo := db.NewRouteInboxRepo(dbClient)
	sessionRepo := db.NewSessionRepo(dbClient)
	scheduledTaskRepo := db.NewScheduledTaskRepo(dbClient)
	partitionRepo := db.NewPartitionRepo(dbClient)

	// Butler registry: liveness tracking gating routing eligibility.
	reg, err := registry.New(registryRepo, cfg.KnownButlers, cfg.Registry)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	reg.Start(ctx)
	defer reg.Stop()

	// Circuit breakers, one per outbound notify channel.
	breakers := breaker.NewRegistry(cfg.Breaker)

	// Fleet events: publisher feeds both the websocket fanout and the
	// obsv breaker collector.
	publisher := events.NewPublisher(dbClient.DB)
	connManager := events.NewConnectionManager(events.NewFleetEventsAdapter(fleetEventsRepo), 5*time.Second)

	notifyListener := events.NewNotifyListener(dbCfg.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		return fmt.Errorf("start fleet event listener: %w", err)
	}
	defer notifyListener.Stop()

	breakerCollector := obsv.NewBreakerCollector(breakers, 15*time.Second, events.NewCircuitEventPublisher(publisher))
	breakerCollector.Start(ctx)
	defer breakerCollector.Stop()

	// Outbound notify channels, each admission-controlled then circuit
	// broken before reaching the real adapter.
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	adapters := map[string]notify.Dispatcher{}
	var telegramAdapter *notify.Telegram
	if cfg.Telegram != nil {
		telegramAdapter = notify.NewTelegram(cfg.Telegram.Token, "https://api.telegram.org")
		adapters["telegram"] = wrapOutbound(telegramAdapter, limiter, breakers, "telegram")
	}
	if cfg.Slack != nil {
		if slackAdapter := notify.NewSlackAdapter(notify.SlackConfig{Token: cfg.Slack.Token, Channel: cfg.Slack.Channel}); slackAdapter != nil {
			adapters["slack"] = wrapOutbound(slackAdapter, limiter, breakers, "slack")
		}
	}
	router := notify.NewRouter(adapters)

	// Route inbox: the fleet's one inter-butler RPC mechanism.
	inbox := routeinbox.NewInbox(routeInboxRepo, reg, nil)
	if err := routeinbox.NewRecovery(routeInboxRepo, cfg.RouteInbox).Run(ctx); err != nil {
		log.Warn("route inbox recovery sweep failed", "error", err)
	}

	// Spawner: drives every LLM session, regardless of trigger source.
	// The real LLM provider adapter behind llmsession.Runtime is out of
	// scope; butlerd runs against the in-memory fake until one is wired.
	runtime := &llmsession.FakeRuntime{}
	spawn := spawner.New(cfg.ButlerName, cfg.MaxConcurrentSessions, runtime, sessionRepo, nil)

	routeProcessor := routeinbox.NewProcessor(cfg.ButlerName, routeInboxRepo, func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (bool, map[string]any, string, error) {
		result, err := spawn.Trigger(ctx, prompt, spawner.TriggerSource(source), llmCtx, systemPrompt, traceID)
		if err != nil {
			return false, nil, err.Error(), err
		}
		return result.Success, map[string]any{"session_id": result.SessionID, "response": result.Response}, result.Error, nil
	}, cfg.RouteInbox, nil)
	routeProcessor.Start(ctx)
	defer routeProcessor.Stop()

	// Message pipeline: classification, routing, extraction.
	classifier := pipeline.NewLLMClassifier(runtime)
	extractor := pipeline.NewLLMExtractor(runtime)
	var reactions pipeline.ReactionEmitter
	if telegramAdapter != nil {
		reactions = telegramAdapter
	}
	pipe := pipeline.New(messageInboxRepo, classifier, extractor, inbox, reactions, cfg.Pipeline)

	// Durable buffer: Tier 1 ingest rows land here before the pipeline runs.
	scanner := buffer.NewMessageInboxScanner(messageInboxRepo)
	buf := buffer.New(cfg.Buffer, pipe.Process, scanner, nil)
	buf.Start(ctx)
	defer buf.Stop(30 * time.Second)

	// Ingest: validates, triages, and writes the versioned envelope.
	triageEvaluator := triage.New(triageRuleRepo)
	ingestSvc := ingest.New(messageInboxRepo, buf, triageEvaluator)

	// Approvals: enqueue/decide plus the expiry sweeper. Approved tool
	// calls execute by re-entering the route inbox against the requesting
	// butler itself.
	approvalsExecutor := approvals.NewRouteInboxExecutor(inbox)
	approvalsSvc := approvals.New(pendingActionRepo, approvalRuleRepo, approvalEventRepo, approvalsExecutor)
	approvalsSweeper := approvals.NewExpirySweeper(pendingActionRepo, cfg.Approvals)
	approvalsSweeper.Start(ctx)
	defer approvalsSweeper.Stop()

	// Scheduler: fires ScheduledTask prompts on cron schedule through the
	// same spawner every other trigger source uses.
	sched := scheduler.New(cfg.ButlerName, scheduledTaskRepo, spawn, 30*time.Second)
	sched.Start(ctx)
	defer sched.Stop()

	// Retention: partition maintenance plus the three row-retention sweeps.
	retentionSvc := retention.NewService(cfg.Retention, pendingActionRepo, approvalRuleRepo, approvalEventRepo, partitionRepo)
	retentionSvc.Start(ctx)
	defer retentionSvc.Stop()

	// Switchboard HTTP API: ingest, registry, approvals, websocket fanout.
	httpServer := httpapi.New(ingestSvc, reg, approvalsSvc, pendingActionRepo, routeInboxRepo, dbClient, breakers, connManager)
	go func() {
		if err := httpServer.Start(cfg.HTTPListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("switchboard http server failed", "error", err)
		}
	}()
	defer shutdownServer(httpServer.Shutdown)

	// Per-butler MCP server: route.execute, notify, status.
	mcpServer := mcpserver.New(cfg.ButlerName, inbox, router, dbClient, breakerStatusesAdapter{breakers}, routeInboxRepo)
	go func() {
		if err := mcpServer.Start(cfg.MCPListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mcp server failed", "error", err)
		}
	}()
	defer shutdownServer(mcpServer.Shutdown)

	log.Info("butlerd ready", "http_addr", cfg.HTTPListenAddr, "mcp_addr", cfg.MCPListenAddr)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// wrapOutbound applies admission control and then circuit breaking to an
// outbound channel adapter, in that order: a rejected send never touches
// the breaker, and only attempts that actually reach the adapter count
// toward tripping it.
func wrapOutbound(adapter notify.Dispatcher, limiter *ratelimit.Limiter, breakers *breaker.Registry, channel string) notify.Dispatcher {
	return notify.NewRateLimitedDispatcher(
		notify.NewCircuitBreakingDispatcher(adapter, breakers, channel),
		limiter,
		channel,
	)
}

// breakerStatusesAdapter adapts breaker.Registry's richer Status to
// mcpserver's narrower BreakerStatus shape, kept here rather than in either
// package to avoid mcpserver importing internal/breaker.
type breakerStatusesAdapter struct {
	registry *breaker.Registry
}

func (a breakerStatusesAdapter) Statuses() []mcpserver.BreakerStatus {
	statuses := a.registry.Statuses()
	out := make([]mcpserver.BreakerStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, mcpserver.BreakerStatus{
			Provider:            s.Provider,
			State:               s.State,
			ConsecutiveFailures: s.ConsecutiveFailures,
		})
	}
	return out
}

func shutdownServer(shutdown func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("server shutdown failed", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
