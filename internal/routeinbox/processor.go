package routeinbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/obsv"
)

const interactiveDataSourceBlock = `INTERACTIVE DATA SOURCE: this request arrived from %s. Reply to it by calling notify() with your response; do not assume the caller will read your return value directly.`

var interactiveChannels = map[string]bool{
	"telegram": true,
	"email":    true,
}

// TriggerFunc adapts spawner.Spawner.Trigger to the narrow shape Processor
// needs, without importing internal/spawner (which has no reason to depend
// on routeinbox, and this keeps the two packages free of an import cycle).
type TriggerFunc func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (success bool, resultSummary map[string]any, errMsg string, err error)

// Config configures the processor's retry and recovery thresholds.
type Config struct {
	MaxRetries          int           `yaml:"max_retries"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	AcceptedGraceWindow time.Duration `yaml:"accepted_grace_window"`
	ProcessingTimeout   time.Duration `yaml:"processing_timeout"`
}

// DefaultConfig returns the built-in route inbox defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		PollInterval:        200 * time.Millisecond,
		AcceptedGraceWindow: time.Minute,
		ProcessingTimeout:   10 * time.Minute,
	}
}

// ProcessorMetrics is the process_latency_ms observability seam; a nil
// ProcessorMetrics is valid and means no observability wiring.
type ProcessorMetrics interface {
	ObserveProcessLatency(targetButler string, d time.Duration, success bool)
}

// Processor runs the process-phase background loop for one target butler.
type Processor struct {
	butler  string
	store   Store
	trigger TriggerFunc
	cfg     Config
	metrics ProcessorMetrics
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor constructs a Processor for butler, invoking trigger for each
// claimed row. metrics may be nil.
func NewProcessor(butler string, store Store, trigger TriggerFunc, cfg Config, metrics ProcessorMetrics) *Processor {
	return &Processor{butler: butler, store: store, trigger: trigger, cfg: cfg, metrics: metrics, logger: slog.Default()}
}

// Start launches the claim loop.
func (p *Processor) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop halts the claim loop and waits for it to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	p.cancel = nil
	p.done = nil
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		processed, err := p.processOne(ctx)
		if err != nil && !errors.Is(err, db.ErrNoRowsAvailable) {
			p.logger.Error("route inbox processor: claim/process failed", "butler", p.butler, "error", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// processOne claims and processes a single row. Returns false when no row
// was available to claim.
func (p *Processor) processOne(ctx context.Context) (bool, error) {
	row, err := p.store.ClaimNext(ctx, p.butler)
	if err != nil {
		if errors.Is(err, db.ErrNoRowsAvailable) {
			return false, nil
		}
		return false, err
	}
	started := time.Now()

	ctx, traceID, span := obsv.StartSpan(ctx, "route_inbox.process")
	defer span.End()

	prompt := p.buildPrompt(row)
	success, result, errMsg, triggerErr := p.trigger(ctx, prompt, "route", "", "", traceID)
	if triggerErr != nil {
		errMsg = triggerErr.Error()
		success = false
	}

	if p.metrics != nil {
		p.metrics.ObserveProcessLatency(p.butler, time.Since(started), success)
	}

	if success {
		if err := p.store.Complete(ctx, row.ID, result); err != nil {
			return true, fmt.Errorf("complete route_inbox row %s: %w", row.ID, err)
		}
		return true, nil
	}

	attempts := row.Attempts + 1
	if err := p.store.Fail(ctx, row.ID, errMsg, attempts, p.cfg.MaxRetries); err != nil {
		return true, fmt.Errorf("fail route_inbox row %s: %w", row.ID, err)
	}
	return true, nil
}

// buildPrompt composes the LLM prompt from the row's args/context, adding
// the INTERACTIVE DATA SOURCE guidance block for interactive channels.
func (p *Processor) buildPrompt(row *db.RouteInboxRow) string {
	prompt, _ := row.Args.Value["prompt"].(string)
	ctxBlock, _ := row.Args.Value["context"].(string)

	var body string
	if ctxBlock != "" {
		body = ctxBlock + "\n\n" + prompt
	} else {
		body = prompt
	}

	if interactiveChannels[row.RequestContext.Value.SourceChannel] {
		guidance := fmt.Sprintf(interactiveDataSourceBlock, row.RequestContext.Value.SourceChannel)
		return guidance + "\n\n" + body
	}
	return body
}
