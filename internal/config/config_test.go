package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHOOLGATE_AUTH_SECRET", "0123456789abcdef")
	t.Setenv("SCHOOLGATE_GATE_DEDUP_WINDOW", "2s")
	t.Setenv("SCHOOLGATE_GATE_TIMEZONE", "Africa/Kampala")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Gate.DedupWindow != 2*time.Second {
		t.Fatalf("env override not applied: %v", cfg.Gate.DedupWindow)
	}
	if cfg.Gate.CodeThreshold != 3 {
		t.Fatalf("unexpected threshold: %d", cfg.Gate.CodeThreshold)
	}
	loc, err := cfg.Gate.Location()
	if err != nil || loc.String() != "Africa/Kampala" {
		t.Fatalf("unexpected location: %v, %v", loc, err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schoolgate.yaml")
	body := strings.Join([]string{
		"auth:",
		"  secret: file-secret-value-123",
		"gate:",
		"  code_threshold: 4",
		"notify:",
		"  webhook_url: http://collector.local/events",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.CodeThreshold != 4 {
		t.Fatalf("file value not applied: %d", cfg.Gate.CodeThreshold)
	}
	if cfg.Notify.WebhookURL != "http://collector.local/events" {
		t.Fatalf("unexpected webhook url: %s", cfg.Notify.WebhookURL)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Auth:   AuthConfig{Secret: "0123456789abcdef"},
			Gate:   GateConfig{Timezone: "UTC", CodeThreshold: 3, MaxRetries: 5, LockTTL: time.Second},
			Notify: NotifyConfig{QueueSize: 1},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }},
		{"bad timezone", func(c *Config) { c.Gate.Timezone = "Mars/Olympus" }},
		{"zero threshold", func(c *Config) { c.Gate.CodeThreshold = 0 }},
		{"zero retries", func(c *Config) { c.Gate.MaxRetries = 0 }},
		{"negative window", func(c *Config) { c.Gate.DedupWindow = -time.Second }},
		{"zero lock ttl", func(c *Config) { c.Gate.LockTTL = 0 }},
		{"zero queue", func(c *Config) { c.Notify.QueueSize = 0 }},
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
