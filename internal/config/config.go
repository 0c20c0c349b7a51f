// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// MaxSessions caps concurrently executing sessions; submissions past
	// the cap are rejected, never queued.
	MaxSessions int

	// MaxSourceBytes caps accepted guest program size.
	MaxSourceBytes int

	Limits LimitsConfig

	// PlaybackRate is the default steps-per-second pace of a playing
	// cursor. Clients can scale it by 0.25x to 2x.
	PlaybackRate float64

	// TraceTTL is how long sealed traces stay in the archive.
	TraceTTL time.Duration
}

// LimitsConfig holds the resource ceilings applied to every session.
type LimitsConfig struct {
	TimeCeiling   time.Duration
	MemoryCeiling uint64
	StepCeiling   uint64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/traces.db"),
		MaxSessions:    getEnvInt("MAX_SESSIONS", 32),
		MaxSourceBytes: getEnvInt("MAX_SOURCE_BYTES", 10240),
		Limits: LimitsConfig{
			TimeCeiling:   time.Duration(getEnvInt("TIME_CEILING_MS", 5000)) * time.Millisecond,
			MemoryCeiling: uint64(getEnvInt("MEMORY_CEILING_BYTES", 128*1024*1024)),
			StepCeiling:   uint64(getEnvInt("STEP_CEILING", 10000)),
		},
		PlaybackRate: getEnvFloat("PLAYBACK_RATE", 4.0),
		TraceTTL:     time.Duration(getEnvInt("TRACE_TTL_MINUTES", 60)) * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.MaxSourceBytes <= 0 {
		return fmt.Errorf("MAX_SOURCE_BYTES must be > 0")
	}
	if c.Limits.StepCeiling == 0 {
		return fmt.Errorf("STEP_CEILING must be > 0")
	}
	if c.PlaybackRate <= 0 {
		return fmt.Errorf("PLAYBACK_RATE must be > 0")
	}
	if c.TraceTTL <= 0 {
		return fmt.Errorf("TRACE_TTL_MINUTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
