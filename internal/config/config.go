// Package config loads the broker gateway's process configuration from the
// environment. Configuration loading is one of the system's external
// collaborators (spec §1): nothing here is core order-pipeline logic, but
// the core needs somewhere to read its bind address, database URL and
// timing knobs from, so this stays in the teacher's getEnv* idiom
// (internal/config/config.go) rather than a bespoke one-off.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the opaque process configuration described in spec §6. None of
// its fields carry business semantics; they only parameterize the ambient
// plumbing (bind address, storage, session store, logging, exchange/broker
// timing knobs).
type Config struct {
	BindAddress string
	LogLevel    string

	DatabaseURL     string // postgres DSN in production, "sqlite://file.db" for dev/test
	SessionStoreURL string
	PasswordKey     string
	SessionKey      string

	// Exchange WS subscriber reconnect backoff (spec §4.2, ~5s).
	ExchangeReconnectBackoff time.Duration

	// Broker (C7) session heartbeat cadence (spec §4.5).
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Reconciliation retry budget for the order-state handler (spec §4.4).
	ReconcileRetryCount int
	ReconcileRetryDelay time.Duration

	// GetOrders window: orders updated within this window, or still open,
	// are returned by get_orders (spec §4.3/§4.6).
	RecentOrdersWindow time.Duration
}

// Load reads Config from the environment, applying the defaults below. It
// does not call godotenv.Load itself — callers (cmd/brokergw) do that once
// at process start, mirroring the teacher's main() which loads .env before
// calling config.Load().
func Load() (*Config, error) {
	cfg := &Config{
		BindAddress:              getEnv("BIND_ADDRESS", ":8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		DatabaseURL:              getEnv("DATABASE_URL", "sqlite://brokergw.db"),
		SessionStoreURL:          getEnv("SESSION_STORE_URL", ""),
		PasswordKey:              os.Getenv("PASSWORD_KEY"),
		SessionKey:               os.Getenv("SESSION_KEY"),
		ExchangeReconnectBackoff: getEnvDuration("EXCHANGE_RECONNECT_BACKOFF", 5*time.Second),
		HeartbeatInterval:        getEnvDuration("WS_HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:         getEnvDuration("WS_HEARTBEAT_TIMEOUT", 10*time.Second),
		ReconcileRetryCount:      getEnvInt("RECONCILE_RETRY_COUNT", 10),
		ReconcileRetryDelay:      getEnvDuration("RECONCILE_RETRY_DELAY", 100*time.Millisecond),
		RecentOrdersWindow:       getEnvDuration("RECENT_ORDERS_WINDOW", 24*time.Hour),
	}

	if cfg.BindAddress == "" {
		return nil, fmt.Errorf("BIND_ADDRESS must not be empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
