package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackConfig holds the parameters needed to construct a SlackAdapter.
type SlackConfig struct {
	Token   string
	Channel string
}

// SlackAdapter lands notify() replies as Slack Block Kit messages, threaded
// on ThreadIdentity when present. Grounded on tarsy's pkg/slack.Client/Service.
type SlackAdapter struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackAdapter constructs a SlackAdapter. Returns nil if Token or Channel
// is empty, matching tarsy's nil-safe NewService contract.
func NewSlackAdapter(cfg SlackConfig) *SlackAdapter {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackAdapter{
		api:       goslack.New(cfg.Token),
		channelID: cfg.Channel,
		logger:    slog.Default().With("component", "notify-slack"),
	}
}

// Dispatch posts reply.Text as a Slack message, threaded on
// reply.ThreadIdentity when non-empty.
func (a *SlackAdapter) Dispatch(ctx context.Context, reply Reply) error {
	if a == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, reply.Text, false, false), nil, nil),
	}

	opts := []goslack.MsgOption{goslack.MsgOptionBlocks(blocks...)}
	if reply.ThreadIdentity != "" {
		opts = append(opts, goslack.MsgOptionTS(reply.ThreadIdentity))
	}

	if _, _, err := a.api.PostMessageContext(ctx, a.channelID, opts...); err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
