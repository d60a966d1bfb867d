// Package config defines configuration parsing and the policy bundles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all service configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"dispatch-core"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	// RedisURL backs the distributed lock manager and the asynq transport.
	// When empty the service falls back to the in-process lock manager.
	RedisURL string `env:"REDIS_URL" envDefault:""`

	// OSRM routing backend.
	OSRMBaseURL string        `env:"OSRM_BASE_URL" envDefault:"http://localhost:5000"`
	OSRMProfile string        `env:"OSRM_PROFILE" envDefault:"driving"`
	OSRMTimeout time.Duration `env:"OSRM_TIMEOUT" envDefault:"5s"`

	// Batching tick cadence and per-tick bounds.
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"10s"`
	ReadyHorizon    time.Duration `env:"READY_HORIZON" envDefault:"0s"`
	AdvanceLimit    int           `env:"ADVANCE_LIMIT" envDefault:"200"`
	DispatchWorkers int           `env:"DISPATCH_WORKERS" envDefault:"4"`

	// PolicyPreset selects a named BatchingPolicy bundle (default|peak|offpeak).
	PolicyPreset string `env:"POLICY_PRESET" envDefault:"default"`
	// PolicyFile optionally overlays the preset with YAML values.
	PolicyFile string `env:"POLICY_FILE" envDefault:""`

	// WebhookNotifierURL, when set, posts offers to an external push gateway
	// instead of logging them.
	WebhookNotifierURL string `env:"WEBHOOK_NOTIFIER_URL" envDefault:""`

	// DriversFile optionally seeds the fleet registry from a roster CSV.
	// Live deployments replace the seed through driver location pings.
	DriversFile string `env:"DRIVERS_FILE" envDefault:""`
	// OrdersFile optionally seeds the RAW queue from an order CSV at boot.
	OrdersFile string `env:"ORDERS_FILE" envDefault:""`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the service is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the service is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the service is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
