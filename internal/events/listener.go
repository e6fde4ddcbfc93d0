package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyListener holds a dedicated PostgreSQL connection LISTENing on
// FleetChannel and forwards every NOTIFY to the local ConnectionManager.
//
// Unlike tarsy's per-session listener, the fleet has exactly one channel that
// is always interesting, so there is no dynamic LISTEN/UNLISTEN subscription
// bookkeeping — the connection LISTENs once at Start and stays that way for
// its lifetime; reconnect just re-issues the same LISTEN.
type NotifyListener struct {
	connString string
	manager    *ConnectionManager

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a new fleet NOTIFY listener.
func NewNotifyListener(connString string, manager *ConnectionManager) *NotifyListener {
	return &NotifyListener{connString: connString, manager: manager}
}

// Start establishes the dedicated LISTEN connection and begins receiving
// notifications in the background.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+FleetChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", FleetChannel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx, conn)
	}()

	slog.Info("fleet NotifyListener started")
	return nil
}

// Stop signals the receive loop to exit and waits for it to finish.
func (l *NotifyListener) Stop() {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
}

func (l *NotifyListener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer func() { _ = conn.Close(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("fleet NOTIFY receive error", "error", err)
			conn = l.reconnect(ctx)
			if conn == nil {
				return
			}
			continue
		}

		l.manager.Broadcast([]byte(notification.Payload))
	}
}

// reconnect retries with exponential backoff until ctx is cancelled, in
// which case it returns nil and the caller exits the loop.
func (l *NotifyListener) reconnect(ctx context.Context) *pgx.Conn {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("fleet LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+FleetChannel); err != nil {
			slog.Error("fleet re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			continue
		}
		slog.Info("fleet NotifyListener reconnected")
		return conn
	}
}
