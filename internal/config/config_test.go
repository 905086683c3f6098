package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalyst.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"APCA_API_BASE_URL", "SQLITE_PATH", "JOURNAL_DIR", "LOG_LEVEL", "LOG_FORMAT",
		"BROKER_KIND", "PAPER_MODE", "SERVER_PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/tmp/catalyst/catalyst.db"
  journal_dir: "/tmp/catalyst/journal"
server:
  host: "0.0.0.0"
  port: 9000
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
logging:
  level: "debug"
  format: "console"
trading:
  max_concurrent_positions: 3
  notional_per_trade: 2500
  max_hold_duration: 24h
  monitor_poll_interval: 15s
signal:
  buy_keywords: ["fda_approval"]
broker:
  kind: alpaca
  fill_timeout: 45s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/catalyst/catalyst.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/catalyst/catalyst.db")
	}
	if cfg.Storage.JournalDir != "/tmp/catalyst/journal" {
		t.Errorf("Storage.JournalDir = %q, want %q", cfg.Storage.JournalDir, "/tmp/catalyst/journal")
	}

	// -- Server --
	if got := cfg.Server.Addr(); got != "0.0.0.0:9000" {
		t.Errorf("Server.Addr() = %q, want %q", got, "0.0.0.0:9000")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v, want debug/console", cfg.Logging)
	}

	// -- Trading --
	if cfg.Trading.MaxConcurrentPositions != 3 {
		t.Errorf("Trading.MaxConcurrentPositions = %d, want 3", cfg.Trading.MaxConcurrentPositions)
	}
	if cfg.Trading.NotionalPerTrade != 2500 {
		t.Errorf("Trading.NotionalPerTrade = %f, want 2500", cfg.Trading.NotionalPerTrade)
	}
	if cfg.Trading.MaxHoldDuration != 24*time.Hour {
		t.Errorf("Trading.MaxHoldDuration = %v, want 24h", cfg.Trading.MaxHoldDuration)
	}
	if cfg.Trading.MonitorPollInterval != 15*time.Second {
		t.Errorf("Trading.MonitorPollInterval = %v, want 15s", cfg.Trading.MonitorPollInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Trading.StopLossPct != 0.05 {
		t.Errorf("Trading.StopLossPct = %f, want default 0.05", cfg.Trading.StopLossPct)
	}

	// -- Signal --
	if len(cfg.Signal.BuyKeywords) != 1 || cfg.Signal.BuyKeywords[0] != "fda_approval" {
		t.Errorf("Signal.BuyKeywords = %v, want [fda_approval]", cfg.Signal.BuyKeywords)
	}
	if len(cfg.Signal.AvoidKeywords) == 0 {
		t.Error("Signal.AvoidKeywords should keep defaults")
	}

	// -- Broker --
	if cfg.Broker.FillTimeout != 45*time.Second {
		t.Errorf("Broker.FillTimeout = %v, want 45s", cfg.Broker.FillTimeout)
	}
	if cfg.Broker.CallTimeout != 10*time.Second {
		t.Errorf("Broker.CallTimeout = %v, want default 10s", cfg.Broker.CallTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  sqlite_path: "/original/catalyst.db"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("SQLITE_PATH", "/env/catalyst.db")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("PAPER_MODE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.SQLitePath != "/env/catalyst.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q (env override)", cfg.Storage.SQLitePath, "/env/catalyst.db")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = true, want false (env override)")
	}

	// Canonical SDK names win over the legacy ones.
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "apca-key")
	}
}

func TestLoadSimulatorWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_KIND", "simulator")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.Broker.Kind != "simulator" {
		t.Errorf("Broker.Kind = %q, want simulator", cfg.Broker.Kind)
	}
	if cfg.Trading.MaxConcurrentPositions != 5 {
		t.Errorf("Trading.MaxConcurrentPositions = %d, want 5", cfg.Trading.MaxConcurrentPositions)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing alpaca keys", func(c *Config) { c.Broker.Kind = "alpaca" }},
		{"unknown broker", func(c *Config) { c.Broker.Kind = "ib" }},
		{"zero notional", func(c *Config) { c.Trading.NotionalPerTrade = 0 }},
		{"stop loss at 100%", func(c *Config) { c.Trading.StopLossPct = 1 }},
		{"position above exposure", func(c *Config) {
			c.Trading.MaxPositionPctOfEquity = 0.6
			c.Trading.MaxExposurePctOfEquity = 0.5
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"empty queue", func(c *Config) { c.Loop.QueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Broker.Kind = "simulator"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestBadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_KIND", "simulator")
	t.Setenv("SERVER_PORT", "eighty")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() with non-numeric SERVER_PORT should fail")
	}
}
