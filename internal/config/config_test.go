package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.DBPath != "./data/traces.db" {
		t.Errorf("Expected default db path, got %s", cfg.DBPath)
	}
	if cfg.MaxSessions != 32 {
		t.Errorf("Expected 32 max sessions, got %d", cfg.MaxSessions)
	}
	if cfg.MaxSourceBytes != 10240 {
		t.Errorf("Expected 10240 max source bytes, got %d", cfg.MaxSourceBytes)
	}
	if cfg.Limits.TimeCeiling != 5*time.Second {
		t.Errorf("Expected 5s time ceiling, got %v", cfg.Limits.TimeCeiling)
	}
	if cfg.Limits.StepCeiling != 10000 {
		t.Errorf("Expected 10000 step ceiling, got %d", cfg.Limits.StepCeiling)
	}
	if cfg.Limits.MemoryCeiling != 128*1024*1024 {
		t.Errorf("Expected 128MiB memory ceiling, got %d", cfg.Limits.MemoryCeiling)
	}
	if cfg.PlaybackRate != 4.0 {
		t.Errorf("Expected playback rate 4.0, got %v", cfg.PlaybackRate)
	}
	if cfg.TraceTTL != time.Hour {
		t.Errorf("Expected 1h trace TTL, got %v", cfg.TraceTTL)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_SESSIONS", "4")
	t.Setenv("TIME_CEILING_MS", "250")
	t.Setenv("STEP_CEILING", "500")
	t.Setenv("PLAYBACK_RATE", "2.5")
	t.Setenv("TRACE_TTL_MINUTES", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("Expected 4 max sessions, got %d", cfg.MaxSessions)
	}
	if cfg.Limits.TimeCeiling != 250*time.Millisecond {
		t.Errorf("Expected 250ms time ceiling, got %v", cfg.Limits.TimeCeiling)
	}
	if cfg.Limits.StepCeiling != 500 {
		t.Errorf("Expected 500 step ceiling, got %d", cfg.Limits.StepCeiling)
	}
	if cfg.PlaybackRate != 2.5 {
		t.Errorf("Expected playback rate 2.5, got %v", cfg.PlaybackRate)
	}
	if cfg.TraceTTL != 15*time.Minute {
		t.Errorf("Expected 15m trace TTL, got %v", cfg.TraceTTL)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_SESSIONS", "many")
	t.Setenv("PLAYBACK_RATE", "fast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxSessions != 32 {
		t.Errorf("Expected fallback 32, got %d", cfg.MaxSessions)
	}
	if cfg.PlaybackRate != 4.0 {
		t.Errorf("Expected fallback 4.0, got %v", cfg.PlaybackRate)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:           "8080",
			DBPath:         "./data/traces.db",
			MaxSessions:    32,
			MaxSourceBytes: 10240,
			Limits: LimitsConfig{
				TimeCeiling:   5 * time.Second,
				MemoryCeiling: 128 * 1024 * 1024,
				StepCeiling:   10000,
			},
			PlaybackRate: 4.0,
			TraceTTL:     time.Hour,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"zero source bytes", func(c *Config) { c.MaxSourceBytes = 0 }},
		{"zero step ceiling", func(c *Config) { c.Limits.StepCeiling = 0 }},
		{"zero playback rate", func(c *Config) { c.PlaybackRate = 0 }},
		{"zero ttl", func(c *Config) { c.TraceTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		frontendURL string
		want        bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:5173", true},
		{"https://algoviz.example.com", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.frontendURL}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.frontendURL, got, tt.want)
		}
	}
}
