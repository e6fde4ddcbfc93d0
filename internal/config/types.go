package config

import (
	"github.com/codeready-toolchain/butlerfleet/internal/approvals"
	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/buffer"
	"github.com/codeready-toolchain/butlerfleet/internal/pipeline"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
	"github.com/codeready-toolchain/butlerfleet/internal/registry"
	"github.com/codeready-toolchain/butlerfleet/internal/retention"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// yamlConfig mirrors butler.yaml's top-level shape. Sub-package Config
// types are embedded directly and yaml-tagged in their own packages, so
// mergo.Merge can merge a parsed yamlConfig's sub-configs straight into
// each package's DefaultConfig() of the identical type, following tarsy's
// loader.go mergo.Merge(queueConfig, tarsyConfig.Queue, mergo.WithOverride)
// pattern exactly.
type yamlConfig struct {
	ButlerName     string            `yaml:"butler_name"`
	DatabaseURLEnv string            `yaml:"database_url_env"`
	HTTPListenAddr string            `yaml:"http_listen_addr"`
	MCPListenAddr  string            `yaml:"mcp_listen_addr"`
	MaxConcurrentSessions int        `yaml:"max_concurrent_sessions"`
	Channels       *channelsYAML     `yaml:"channels"`
	KnownButlers   []knownButlerYAML `yaml:"known_butlers"`

	Registry   *registry.Config   `yaml:"registry"`
	RateLimit  *ratelimit.Config  `yaml:"rate_limit"`
	Breaker    *breaker.Config    `yaml:"breaker"`
	Buffer     *buffer.Config     `yaml:"buffer"`
	Retention  *retention.Config  `yaml:"retention"`
	RouteInbox *routeinbox.Config `yaml:"route_inbox"`
	Approvals  *approvals.SweeperConfig `yaml:"approvals"`
	Pipeline   *pipeline.Config   `yaml:"pipeline"`

	Extractors []extractorYAML `yaml:"extractors"`
}

type channelsYAML struct {
	Telegram *telegramYAML `yaml:"telegram"`
	Slack    *slackYAML    `yaml:"slack"`
}

type telegramYAML struct {
	TokenEnv string `yaml:"token_env"`
}

type slackYAML struct {
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

type knownButlerYAML struct {
	Name        string `yaml:"name"`
	EndpointURL string `yaml:"endpoint_url"`
}

type extractorYAML struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	ToolName     string `yaml:"tool_name"`
	TargetButler string `yaml:"target_butler"`
}
