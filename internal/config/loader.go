package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

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

// Load reads butler.yaml from configDir, expands environment variables,
// and merges it over each component's built-in defaults.
//
// Steps:
//  1. Read butler.yaml, expand ${VAR}/$VAR references.
//  2. Parse YAML into yamlConfig.
//  3. Merge each present sub-config over its package's DefaultConfig()
//     with mergo.WithOverride, so unset fields keep the built-in default
//     and present non-zero fields win. A field set to its zero value
//     (0, false, "") in the YAML also keeps the built-in default.
//  4. Resolve channel credentials from the named environment variables.
//  5. Resolve the database URL from the named environment variable.
func Load(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("loading butler configuration")

	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, err
	}

	if raw.ButlerName == "" {
		return nil, fmt.Errorf("%w: butler_name", ErrMissingRequiredField)
	}

	cfg := &Config{
		ButlerName:            raw.ButlerName,
		HTTPListenAddr:        orDefault(raw.HTTPListenAddr, ":8080"),
		MCPListenAddr:         orDefault(raw.MCPListenAddr, ":8081"),
		MaxConcurrentSessions: raw.MaxConcurrentSessions,
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 5
	}

	if err := resolveDatabaseURL(cfg, raw); err != nil {
		return nil, err
	}
	resolveChannels(cfg, raw)
	resolveKnownButlers(cfg, raw)
	if err := resolveSubConfigs(cfg, raw); err != nil {
		return nil, err
	}
	resolveExtractors(cfg, raw)

	return cfg, nil
}

func loadYAML(configDir string) (*yamlConfig, error) {
	path := filepath.Join(configDir, "butler.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError("butler.yaml", fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError("butler.yaml", err)
	}

	data = ExpandEnv(data)

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError("butler.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &raw, nil
}

func resolveDatabaseURL(cfg *Config, raw *yamlConfig) error {
	envVar := orDefault(raw.DatabaseURLEnv, "BUTLER_DB_URL")
	url := os.Getenv(envVar)
	if url == "" {
		return fmt.Errorf("%w: database url env %q is empty", ErrMissingRequiredField, envVar)
	}
	cfg.DatabaseURL = url
	return nil
}

func resolveChannels(cfg *Config, raw *yamlConfig) {
	if raw.Channels == nil {
		return
	}
	if t := raw.Channels.Telegram; t != nil {
		tokenEnv := orDefault(t.TokenEnv, "BUTLER_TELEGRAM_TOKEN")
		if token := os.Getenv(tokenEnv); token != "" {
			cfg.Telegram = &TelegramConfig{Token: token}
		}
	}
	if s := raw.Channels.Slack; s != nil {
		tokenEnv := orDefault(s.TokenEnv, "BUTLER_SLACK_TOKEN")
		if token := os.Getenv(tokenEnv); token != "" && s.Channel != "" {
			cfg.Slack = &SlackConfig{Token: token, Channel: s.Channel}
		}
	}
}

func resolveKnownButlers(cfg *Config, raw *yamlConfig) {
	cfg.KnownButlers = make([]registry.KnownButler, 0, len(raw.KnownButlers))
	for _, kb := range raw.KnownButlers {
		cfg.KnownButlers = append(cfg.KnownButlers, registry.KnownButler{Name: kb.Name, EndpointURL: kb.EndpointURL})
	}
}

func resolveSubConfigs(cfg *Config, raw *yamlConfig) error {
	registryCfg := registry.DefaultConfig()
	if raw.Registry != nil {
		if err := mergo.Merge(&registryCfg, raw.Registry, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge registry config: %w", err)
		}
	}
	cfg.Registry = registryCfg

	rateLimitCfg := ratelimit.DefaultConfig()
	if raw.RateLimit != nil {
		if err := mergo.Merge(&rateLimitCfg, raw.RateLimit, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge rate limit config: %w", err)
		}
	}
	cfg.RateLimit = rateLimitCfg

	breakerCfg := breaker.DefaultConfig()
	if raw.Breaker != nil {
		if err := mergo.Merge(&breakerCfg, raw.Breaker, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge breaker config: %w", err)
		}
	}
	cfg.Breaker = breakerCfg

	bufferCfg := buffer.DefaultConfig()
	if raw.Buffer != nil {
		if err := mergo.Merge(&bufferCfg, raw.Buffer, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge buffer config: %w", err)
		}
	}
	cfg.Buffer = bufferCfg

	retentionCfg := retention.DefaultConfig()
	if raw.Retention != nil {
		if err := mergo.Merge(&retentionCfg, raw.Retention, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge retention config: %w", err)
		}
	}
	cfg.Retention = retentionCfg

	routeInboxCfg := routeinbox.DefaultConfig()
	if raw.RouteInbox != nil {
		if err := mergo.Merge(&routeInboxCfg, raw.RouteInbox, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge route inbox config: %w", err)
		}
	}
	cfg.RouteInbox = routeInboxCfg

	approvalsCfg := approvals.DefaultSweeperConfig()
	if raw.Approvals != nil {
		if err := mergo.Merge(&approvalsCfg, raw.Approvals, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge approvals config: %w", err)
		}
	}
	cfg.Approvals = approvalsCfg

	pipelineCfg := pipeline.DefaultConfig()
	if raw.Pipeline != nil {
		if err := mergo.Merge(&pipelineCfg, raw.Pipeline, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge pipeline config: %w", err)
		}
	}
	cfg.Pipeline = pipelineCfg

	return nil
}

func resolveExtractors(cfg *Config, raw *yamlConfig) {
	schemas := make([]extract.Schema, 0, len(raw.Extractors))
	for _, e := range raw.Extractors {
		schemas = append(schemas, extract.Schema{
			Name:         e.Name,
			Description:  e.Description,
			ToolName:     e.ToolName,
			TargetButler: e.TargetButler,
		})
	}
	cfg.Extractors = extract.NewRegistry(schemas...)
	cfg.Pipeline.Extractors = cfg.Extractors
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
