// Package notify implements the notify() tool's landing side: a butler's
// LLM session calls notify() to reply on the originating channel, and this
// package dispatches that reply to the right adapter (Slack Block Kit,
// Telegram reactions, or a logging fallback for out-of-scope channels).
// Modeled on tarsy's pkg/slack.Service (nil-safe, fail-open notification delivery).
package notify

import (
	"context"
	"log/slog"
)

// Reply is one outbound notify() call, already resolved to its destination
// channel and thread by the caller (internal/pipeline/internal/routeinbox).
type Reply struct {
	Channel        string
	ThreadIdentity string
	Text           string
}

// Dispatcher lands a Reply on its destination channel. Adapters return a
// delivery failure as an error; Router.Dispatch logs it, and the notify tool
// reports it in its response rather than failing the butler's tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, reply Reply) error
}

// Router dispatches a Reply to the adapter registered for its channel,
// falling back to a log-only adapter for channels with no registered
// adapter (email, api, mcp, scheduler, system — out of scope per spec).
type Router struct {
	adapters map[string]Dispatcher
	fallback Dispatcher
	logger   *slog.Logger
}

// NewRouter builds a Router. Unregistered channels fall back to a
// log-only adapter so notify() never errors on an out-of-scope channel.
func NewRouter(adapters map[string]Dispatcher) *Router {
	return &Router{adapters: adapters, fallback: logDispatcher{}, logger: slog.Default()}
}

// Register installs (or replaces) the adapter for a channel.
func (r *Router) Register(channel string, d Dispatcher) {
	if r.adapters == nil {
		r.adapters = make(map[string]Dispatcher)
	}
	r.adapters[channel] = d
}

// Dispatch routes reply to its channel's adapter.
func (r *Router) Dispatch(ctx context.Context, reply Reply) error {
	d, ok := r.adapters[reply.Channel]
	if !ok {
		d = r.fallback
	}
	if err := d.Dispatch(ctx, reply); err != nil {
		r.logger.Error("notify: dispatch failed", "channel", reply.Channel, "error", err)
		return err
	}
	return nil
}

type logDispatcher struct{}

func (logDispatcher) Dispatch(ctx context.Context, reply Reply) error {
	slog.Default().Info("notify: reply landed (log-only adapter)", "channel", reply.Channel, "thread", reply.ThreadIdentity, "text", reply.Text)
	return nil
}
