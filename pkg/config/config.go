// Package config loads runtime configuration from the environment and
// from YAML execution profiles, and validates governor rule documents
// against a JSON Schema before they reach the rule engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-level configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	AuditDBPath string
	Mode        string
	ProfileDir  string

	RatePerMinute int
	RateBurst     int
	ItemDelay     time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		LogLevel:    envOr("STEWARD_LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("STEWARD_DATABASE_URL"),
		RedisAddr:   os.Getenv("STEWARD_REDIS_ADDR"),
		AuditDBPath: envOr("STEWARD_AUDIT_DB", "steward_audit.db"),
		Mode:        envOr("STEWARD_MODE", "normal"),
		ProfileDir:  envOr("STEWARD_PROFILE_DIR", "profiles"),

		RatePerMinute: envInt("STEWARD_RATE_PER_MINUTE", 30),
		RateBurst:     envInt("STEWARD_RATE_BURST", 10),
		ItemDelay:     envDuration("STEWARD_ITEM_DELAY", 2*time.Second),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
