// Package buffer implements the Durable Buffer (spec §4.7): a bounded
// in-memory channel backs the ingestion-to-processing hot path, with a DB
// scanner providing cold-path recovery for rows that failed to enqueue or
// were written while no worker was available. Modeled on tarsy's
// WorkerPool/Worker pair (pkg/queue/pool.go, pkg/queue/worker.go),
// generalized from "claim one row per worker" to "drain a channel of refs,
// re-armed by a periodic DB scan."
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MessageRef is the minimal reference a worker needs to process a
// message_inbox row; mirrors ingest.MessageRef without importing internal/ingest.
type MessageRef struct {
	ID             string
	ReceivedAt     time.Time
	SourceThreadID string
}

// ProcessFunc handles one claimed ref. Errors are logged and do not stop
// the worker loop, per spec §4.7's "on exception, log and proceed."
type ProcessFunc func(ctx context.Context, ref MessageRef) error

// Scanner is the cold-path seam the buffer's background sweep depends on.
type Scanner interface {
	// ScanRecoverable returns up to limit accepted rows older than
	// olderThan, oldest first, split into ones with routable text and ones
	// whose normalized_text is empty (which should be errored instead of
	// re-enqueued).
	ScanRecoverable(ctx context.Context, olderThan time.Time, limit int) (withText []MessageRef, emptyText []MessageRef, err error)
	// MarkErrored transitions a row to errored (no routable content).
	MarkErrored(ctx context.Context, id string) error
}

// Config configures buffer capacity, worker count, and the scanner's
// polling cadence, per spec §4.7.
type Config struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	WorkerCount      int           `yaml:"worker_count"`
	ScannerInterval  time.Duration `yaml:"scanner_interval"`
	ScannerGrace     time.Duration `yaml:"scanner_grace"`
	ScannerBatchSize int           `yaml:"scanner_batch_size"`
}

// DefaultConfig provides reasonable defaults for the five tunables.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    1000,
		WorkerCount:      4,
		ScannerInterval:  30 * time.Second,
		ScannerGrace:     10 * time.Second,
		ScannerBatchSize: 100,
	}
}

// Metrics is the Prometheus counter/gauge seam the buffer reports through;
// a nil Metrics is valid and simply means no observability wiring.
type Metrics interface {
	IncEnqueueHot()
	IncEnqueueCold()
	IncBackpressure()
	IncScannerRecovered()
	SetQueueDepth(n int)
}

// Buffer is a bounded channel of MessageRef plus a pool of workers and a
// DB-backed recovery scanner.
type Buffer struct {
	ch       chan MessageRef
	process  ProcessFunc
	scanner  Scanner
	cfg      Config
	metrics  Metrics
	logger   *slog.Logger

	workerCancel context.CancelFunc
	scannerStop  chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Buffer. metrics may be nil.
func New(cfg Config, process ProcessFunc, scanner Scanner, metrics Metrics) *Buffer {
	return &Buffer{
		ch:      make(chan MessageRef, cfg.QueueCapacity),
		process: process,
		scanner: scanner,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// Enqueue is the hot-path, non-blocking put. Returns false when the buffer
// is full — the caller's message_inbox row is already durable, so a false
// return is recoverable via the scanner, never lost (spec §4.7).
func (b *Buffer) Enqueue(ref MessageRef) bool {
	select {
	case b.ch <- ref:
		b.incHot()
		return true
	default:
		b.incBackpressure()
		return false
	}
}

// Start launches the worker pool and the recovery scanner.
func (b *Buffer) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	b.workerCancel = cancel
	b.scannerStop = make(chan struct{})

	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.runWorker(workerCtx, i)
	}

	b.wg.Add(1)
	go b.runScanner(workerCtx)
}

// Stop implements spec §4.7's shutdown ordering: stop the scanner first (so
// it stops re-arming the channel), then wait for queued work to drain up to
// drainTimeout, then cancel the workers.
func (b *Buffer) Stop(drainTimeout time.Duration) {
	if b.scannerStop != nil {
		close(b.scannerStop)
	}

	deadline := time.After(drainTimeout)
drain:
	for {
		select {
		case <-deadline:
			break drain
		default:
			if len(b.ch) == 0 {
				break drain
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	if b.workerCancel != nil {
		b.workerCancel()
	}
	b.wg.Wait()
}

// Depth reports the current channel occupancy.
func (b *Buffer) Depth() int {
	return len(b.ch)
}

func (b *Buffer) runWorker(ctx context.Context, id int) {
	defer b.wg.Done()
	log := slog.With("buffer_worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-b.ch:
			b.setDepthMetric()
			if err := b.process(ctx, ref); err != nil {
				log.Error("buffer: process failed", "message_id", ref.ID, "error", err)
			}
		}
	}
}

func (b *Buffer) runScanner(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ScannerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.scannerStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx)
		}
	}
}

func (b *Buffer) sweepOnce(ctx context.Context) {
	olderThan := time.Now().Add(-b.cfg.ScannerGrace)
	withText, emptyText, err := b.scanner.ScanRecoverable(ctx, olderThan, b.cfg.ScannerBatchSize)
	if err != nil {
		b.logger.Error("buffer: scanner query failed", "error", err)
		return
	}

	for _, ref := range emptyText {
		if err := b.scanner.MarkErrored(ctx, ref.ID); err != nil {
			b.logger.Error("buffer: failed to mark errored", "message_id", ref.ID, "error", err)
		}
	}

	for _, ref := range withText {
		select {
		case b.ch <- ref:
			b.incCold()
			b.incScannerRecovered()
		default:
			// Queue full: stop the sweep, remaining rows are caught next tick.
			return
		}
	}
}

func (b *Buffer) incHot() {
	if b.metrics != nil {
		b.metrics.IncEnqueueHot()
	}
	b.setDepthMetric()
}

func (b *Buffer) incCold() {
	if b.metrics != nil {
		b.metrics.IncEnqueueCold()
	}
	b.setDepthMetric()
}

func (b *Buffer) incBackpressure() {
	if b.metrics != nil {
		b.metrics.IncBackpressure()
	}
}

func (b *Buffer) incScannerRecovered() {
	if b.metrics != nil {
		b.metrics.IncScannerRecovered()
	}
}

func (b *Buffer) setDepthMetric() {
	if b.metrics != nil {
		b.metrics.SetQueueDepth(len(b.ch))
	}
}
