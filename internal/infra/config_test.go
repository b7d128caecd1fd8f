package infra

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"pricebook/internal/domain"
)

const sampleConfig = `
app:
  name: pricebook
storage:
  root: /var/lib/pricebook
  bucket_size: 500
  file_capacity: 50000
book:
  depth: 10
  dust: "0.00000001"
feed:
  ws_url: wss://ws.kraken.com
  instruments: ["XBT/USD", "ETH/USD"]
view:
  cache_capacity: 8
logging:
  level: debug
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.Storage.BucketSize != 500 || cfg.Storage.FileCapacity != 50000 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Book.Dust.Equal(decimal.RequireFromString("0.00000001")) {
		t.Errorf("dust = %s", cfg.Book.Dust)
	}
	if len(cfg.Feed.Instruments) != 2 {
		t.Errorf("instruments = %v", cfg.Feed.Instruments)
	}
	// defaults
	if cfg.View.FastForwardBudgetSec != 200 {
		t.Errorf("budget = %v, want 200", cfg.View.FastForwardBudgetSec)
	}
	if cfg.Server.Listen == "" || cfg.Logging.Dir != "logs" {
		t.Errorf("defaults not applied: listen=%q dir=%q", cfg.Server.Listen, cfg.Logging.Dir)
	}

	bc := cfg.BookSettings()
	if bc.Depth != 10 || bc.Dust != 1e-8 {
		t.Errorf("BookSettings() = %+v", bc)
	}
}

func TestParseConfig_EnvOverride(t *testing.T) {
	t.Setenv("PRICEBOOK_STORAGE_ROOT", "/tmp/override")
	t.Setenv("PRICEBOOK_FEED_INSTRUMENTS", "XBT/EUR,ETH/EUR,SOL/EUR")
	t.Setenv("PRICEBOOK_LOG_LEVEL", "warn")

	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Storage.Root != "/tmp/override" {
		t.Errorf("root = %q", cfg.Storage.Root)
	}
	if len(cfg.Feed.Instruments) != 3 || cfg.Feed.Instruments[2] != "SOL/EUR" {
		t.Errorf("instruments = %v", cfg.Feed.Instruments)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"misaligned capacity", func(c *Config) { c.Storage.FileCapacity = 1234 }, "storage.file_capacity"},
		{"bucket too small for run", func(c *Config) { c.Storage.BucketSize = 20; c.Storage.FileCapacity = 200 }, "storage.bucket_size"},
		{"zero depth", func(c *Config) { c.Book.Depth = -1 }, "book.depth"},
		{"negative dust", func(c *Config) { c.Book.Dust = decimal.NewFromInt(-1) }, "book.dust"},
		{"bad feed url", func(c *Config) { c.Feed.WSURL = "https://ws.kraken.com" }, "feed.ws_url"},
		{"bad instrument", func(c *Config) { c.Feed.Instruments = []string{"../etc"} }, "feed.instruments"},
		{"bad remote url", func(c *Config) { c.Client.RemoteURL = "localhost:8765" }, "client.remote_url"},
		{"unknown level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(sampleConfig))
			if err != nil {
				t.Fatalf("ParseConfig failed: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
			if domain.IsRetriable(err) {
				t.Error("config errors must not be retriable")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("missing file: err = %v, want ErrConfigNotFound", err)
	}
}

func TestNewLogger(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	cfg.Logging.Dir = t.TempDir()

	logger := NewLogger(cfg)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should be enabled")
	}
	logger.Info("hello")
	if _, err := os.Stat(filepath.Join(cfg.Logging.Dir, "pricebook.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
