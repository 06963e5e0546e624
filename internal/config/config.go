// Package config loads and validates daemon configuration from
// environment variables. This is the daemon's own operating config; the
// metrics configurations it executes arrive at runtime as documents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Config ingestion.
	ConfigDir string // Directory watched for <uid>-<id>.json|yaml documents.

	// Report settings.
	ReportDir      string        // Directory reports are written into; empty = stdout.
	ReportInterval time.Duration // Periodic report dump cadence.

	// Persistence.
	CheckpointPath     string        // SQLite checkpoint database; empty disables checkpointing.
	CheckpointInterval time.Duration // How often open-bucket state is checkpointed.

	// Engine limits.
	EventQueueDepth int   // Ingest queue bound; overflow drops events.
	UidMapMaxBytes  int   // Change-log byte budget.
	Seed            int64 // Sampling seed; zero picks a fixed default.

	// Event ingestion.
	EventSocket string // Unix socket path for the raw event stream; empty disables.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		ConfigDir:          envStr("KEIRYO_CONFIG_DIR", "/etc/keiryo/configs"),
		ReportDir:          envStr("KEIRYO_REPORT_DIR", ""),
		ReportInterval:     envDuration("KEIRYO_REPORT_INTERVAL", time.Hour),
		CheckpointPath:     envStr("KEIRYO_CHECKPOINT_PATH", ""),
		CheckpointInterval: envDuration("KEIRYO_CHECKPOINT_INTERVAL", 5*time.Minute),
		EventQueueDepth:    envInt("KEIRYO_EVENT_QUEUE_DEPTH", 4096),
		UidMapMaxBytes:     envInt("KEIRYO_UIDMAP_MAX_BYTES", 100*1024),
		Seed:               int64(envInt("KEIRYO_SEED", 0)),
		EventSocket:        envStr("KEIRYO_EVENT_SOCKET", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "keiryo"),
		OTELInsecure:       envBool("KEIRYO_OTEL_INSECURE", false),
		LogLevel:           envStr("KEIRYO_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is coherent.
func (c Config) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config: KEIRYO_CONFIG_DIR is required")
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("config: KEIRYO_REPORT_INTERVAL must be positive")
	}
	if c.EventQueueDepth <= 0 {
		return fmt.Errorf("config: KEIRYO_EVENT_QUEUE_DEPTH must be positive")
	}
	if c.UidMapMaxBytes <= 0 {
		return fmt.Errorf("config: KEIRYO_UIDMAP_MAX_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
