package db

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection and pool configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// RawDSN, when set, is used verbatim by DSN() instead of the discrete
	// fields above — the path cmd/butlerd takes, since spec §6.6 resolves
	// the connection string directly from BUTLER_DB_URL.
	RawDSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads Config from environment variables with
// production-ready defaults, matching the BUTLERD_DB_* naming convention.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("BUTLERD_DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid BUTLERD_DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("BUTLERD_DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("BUTLERD_DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("BUTLERD_DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid BUTLERD_DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("BUTLERD_DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid BUTLERD_DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("BUTLERD_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("BUTLERD_DB_USER", "butlerfleet"),
		Password:        os.Getenv("BUTLERD_DB_PASSWORD"),
		Database:        getEnvOrDefault("BUTLERD_DB_NAME", "butlerfleet"),
		SSLMode:         getEnvOrDefault("BUTLERD_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("BUTLERD_DB_PASSWORD is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("BUTLERD_DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("BUTLERD_DB_MAX_IDLE_CONNS (%d) cannot exceed BUTLERD_DB_MAX_OPEN_CONNS (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("BUTLERD_DB_MAX_IDLE_CONNS cannot be negative")
	}
	return nil
}

// DSN builds a pgx-compatible connection string.
func (c Config) DSN() string {
	if c.RawDSN != "" {
		return c.RawDSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
