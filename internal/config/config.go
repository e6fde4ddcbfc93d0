// Package config loads a single butler daemon's butler.yaml: environment
// variable expansion plus built-in-default merging via dario.cat/mergo,
// modeled on tarsy's pkg/config (loader.go, merge.go, envexpand.go).
package config

import (
	"github.com/codeready-toolchain/butlerfleet/internal/approvals"
	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/buffer"
	"github.com/codeready-toolchain/butlerfleet/internal/extract"
	"github.com/codeready-toolchain/butlerfleet/internal/pipeline"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
	"github.com/codeready-toolchain/butlerfleet/internal/registry"
	"github.com/codeready-toolchain/butlerfleet/internal/retention"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// TelegramConfig holds the resolved Telegram bot token.
type TelegramConfig struct {
	Token string
}

// SlackConfig holds the resolved Slack bot token and target channel.
type SlackConfig struct {
	Token   string
	Channel string
}

// Config is the fully resolved configuration for one butler daemon.
type Config struct {
	ButlerName  string
	DatabaseURL string

	HTTPListenAddr string
	MCPListenAddr  string

	MaxConcurrentSessions int

	Telegram *TelegramConfig
	Slack    *SlackConfig

	KnownButlers []registry.KnownButler

	Registry   registry.Config
	RateLimit  ratelimit.Config
	Breaker    breaker.Config
	Buffer     buffer.Config
	Retention  retention.Config
	RouteInbox routeinbox.Config
	Approvals  approvals.SweeperConfig
	Pipeline   pipeline.Config

	Extractors *extract.Registry
}
