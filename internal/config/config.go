// Package config loads collector configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ProxyURL      string
	ManagementKey string

	IntervalSeconds int
	TriggerPort     int
	TimezoneOffset  int

	DBPath string

	PricingURL       string
	PricingOverrides string
	RetentionDays    int
}

func Default() Config {
	return Config{
		IntervalSeconds: 300,
		TriggerPort:     5001,
		TimezoneOffset:  7,
		DBPath:          "./proxymeter.db",
		RetentionDays:   90,
	}
}

// Load reads configuration from the environment, after merging an optional
// .env file. Missing optional values keep their defaults.
func Load() (Config, error) {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	cfg.ProxyURL = strings.TrimRight(strings.TrimSpace(os.Getenv("CLIPROXY_URL")), "/")
	cfg.ManagementKey = strings.TrimSpace(os.Getenv("CLIPROXY_MANAGEMENT_KEY"))
	cfg.PricingURL = strings.TrimSpace(os.Getenv("PRICING_URL"))
	cfg.PricingOverrides = strings.TrimSpace(os.Getenv("PRICING_OVERRIDES_PATH"))

	if v := strings.TrimSpace(os.Getenv("DB_PATH")); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.IntervalSeconds, err = intEnv("COLLECTOR_INTERVAL_SECONDS", cfg.IntervalSeconds); err != nil {
		return cfg, err
	}
	if cfg.TriggerPort, err = intEnv("COLLECTOR_TRIGGER_PORT", cfg.TriggerPort); err != nil {
		return cfg, err
	}
	if cfg.TimezoneOffset, err = intEnv("TIMEZONE_OFFSET_HOURS", cfg.TimezoneOffset); err != nil {
		return cfg, err
	}
	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return cfg, err
	}

	return cfg.validate()
}

func (c Config) validate() (Config, error) {
	if c.ProxyURL == "" {
		return c, fmt.Errorf("config: CLIPROXY_URL is required")
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = Default().IntervalSeconds
	}
	if c.TriggerPort <= 0 || c.TriggerPort > 65535 {
		return c, fmt.Errorf("config: COLLECTOR_TRIGGER_PORT %d out of range", c.TriggerPort)
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = Default().RetentionDays
	}
	return c, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("config: parsing %s=%q: %w", key, raw, err)
	}
	return v, nil
}
