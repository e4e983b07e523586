// Package config loads the tranche engine's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/atmx/tranche-engine/internal/address"
)

// Config is the process configuration. Ledger and registry IDs are the
// principals each object acts as when it calls another.
type Config struct {
	Port        string        `env:"PORT"         envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	BoltPath    string        `env:"BOLT_PATH"`
	CacheTTL    time.Duration `env:"CACHE_TTL"    envDefault:"30s"`
	LogLevel    string        `env:"LOG_LEVEL"    envDefault:"info"`

	Operator string `env:"OPERATOR,required"`

	SeniorID          string `env:"SENIOR_ID"           envDefault:"0x0000000000000000000000000000000000000051"`
	JuniorID          string `env:"JUNIOR_ID"           envDefault:"0x000000000000000000000000000000000000004a"`
	ReserveID         string `env:"RESERVE_ID"          envDefault:"0x0000000000000000000000000000000000000052"`
	SeniorRegistryID  string `env:"SENIOR_REGISTRY_ID"  envDefault:"0x00000000000000000000000000000000000000d1"`
	JuniorRegistryID  string `env:"JUNIOR_REGISTRY_ID"  envDefault:"0x00000000000000000000000000000000000000d2"`
	ReserveRegistryID string `env:"RESERVE_REGISTRY_ID" envDefault:"0x00000000000000000000000000000000000000d3"`

	MinRebaseInterval  time.Duration `env:"MIN_REBASE_INTERVAL" envDefault:"720h"`
	DepositExpiry      time.Duration `env:"DEPOSIT_EXPIRY"      envDefault:"48h"`
	RestrictedDeposits bool          `env:"RESTRICTED_DEPOSITS"`
	ValueFromHoldings  bool          `env:"VALUE_FROM_HOLDINGS"`

	RateLimitRPM   float64 `env:"RATE_LIMIT_RPM"   envDefault:"120"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every principal parses and that no two objects
// share one.
func (c Config) Validate() error {
	seen := make(map[string]string)
	for _, p := range []struct{ name, value string }{
		{"OPERATOR", c.Operator},
		{"SENIOR_ID", c.SeniorID},
		{"JUNIOR_ID", c.JuniorID},
		{"RESERVE_ID", c.ReserveID},
		{"SENIOR_REGISTRY_ID", c.SeniorRegistryID},
		{"JUNIOR_REGISTRY_ID", c.JuniorRegistryID},
		{"RESERVE_REGISTRY_ID", c.ReserveRegistryID},
	} {
		a, err := address.Parse(p.value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", p.name, err)
		}
		if other, dup := seen[a]; dup {
			return fmt.Errorf("config: %s and %s are the same principal", other, p.name)
		}
		seen[a] = p.name
	}
	if c.MinRebaseInterval < 0 {
		return fmt.Errorf("config: MIN_REBASE_INTERVAL must not be negative")
	}
	if c.DepositExpiry <= 0 {
		return fmt.Errorf("config: DEPOSIT_EXPIRY must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
