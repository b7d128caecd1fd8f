package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pricebook/internal/book"
	"pricebook/internal/domain"
)

const envPrefix = "PRICEBOOK_"

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name" env:"NAME"`
		Version string `yaml:"version"`
	} `yaml:"app" envPrefix:"APP_"`

	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Book    BookConfig    `yaml:"book" envPrefix:"BOOK_"`
	Feed    FeedConfig    `yaml:"feed" envPrefix:"FEED_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Client  ClientConfig  `yaml:"client" envPrefix:"CLIENT_"`
	View    ViewConfig    `yaml:"view" envPrefix:"VIEW_"`
	Kafka   KafkaConfig   `yaml:"kafka" envPrefix:"KAFKA_"`

	Logging struct {
		Level string `yaml:"level" env:"LEVEL"`
		Dir   string `yaml:"dir" env:"DIR"`
	} `yaml:"logging" envPrefix:"LOG_"`
}

type StorageConfig struct {
	Root         string `yaml:"root" env:"ROOT"`
	BucketSize   int64  `yaml:"bucket_size" env:"BUCKET_SIZE"`
	FileCapacity int64  `yaml:"file_capacity" env:"FILE_CAPACITY"`
	CatalogPath  string `yaml:"catalog_path" env:"CATALOG_PATH"`
}

type BookConfig struct {
	Depth int             `yaml:"depth" env:"DEPTH"`
	Dust  decimal.Decimal `yaml:"dust" env:"DUST"`
}

type FeedConfig struct {
	WSURL       string   `yaml:"ws_url" env:"WS_URL"`
	Instruments []string `yaml:"instruments" env:"INSTRUMENTS" envSeparator:","`
}

type ServerConfig struct {
	Listen            string  `yaml:"listen" env:"LISTEN"`
	HTTPListen        string  `yaml:"http_listen" env:"HTTP_LISTEN"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

type ClientConfig struct {
	RemoteURL      string `yaml:"remote_url" env:"REMOTE_URL"`
	DiskCachePath  string `yaml:"disk_cache_path" env:"DISK_CACHE_PATH"`
	DiskCacheSize  int64  `yaml:"disk_cache_size" env:"DISK_CACHE_SIZE"`
	ReadTimeoutSec int    `yaml:"read_timeout_sec" env:"READ_TIMEOUT_SEC"`
}

type ViewConfig struct {
	CacheCapacity        int     `yaml:"cache_capacity" env:"CACHE_CAPACITY"`
	FastForwardBudgetSec float64 `yaml:"fast_forward_budget_sec" env:"FAST_FORWARD_BUDGET_SEC"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)}
	}
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and environment overrides,
// and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// 환경 변수 오버라이드 (.env 파일이 있으면 먼저 로드)
	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pricebook"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.BucketSize == 0 {
		c.Storage.BucketSize = 1000
	}
	if c.Storage.FileCapacity == 0 {
		c.Storage.FileCapacity = 1_000_000
	}
	if c.Storage.CatalogPath == "" {
		c.Storage.CatalogPath = "data/catalog.db"
	}
	if c.Book.Depth == 0 {
		c.Book.Depth = book.DefaultDepth
	}
	if c.Book.Dust.IsZero() {
		c.Book.Dust = decimal.New(1, -9)
	}
	if c.Feed.WSURL == "" {
		c.Feed.WSURL = "wss://ws.kraken.com"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8765"
	}
	if c.Server.HTTPListen == "" {
		c.Server.HTTPListen = ":8080"
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 200
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 50
	}
	if c.Client.DiskCacheSize == 0 {
		c.Client.DiskCacheSize = 64 << 20
	}
	if c.Client.ReadTimeoutSec == 0 {
		c.Client.ReadTimeoutSec = 10
	}
	if c.View.CacheCapacity == 0 {
		c.View.CacheCapacity = 20
	}
	if c.View.FastForwardBudgetSec == 0 {
		c.View.FastForwardBudgetSec = 200
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "pricebook.entries"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	s := c.Storage
	if s.Root == "" {
		return configErr("storage.root", "must not be empty")
	}
	if s.BucketSize <= 0 {
		return configErr("storage.bucket_size", "must be positive")
	}
	if s.FileCapacity <= 0 || s.FileCapacity%s.BucketSize != 0 {
		return configErr("storage.file_capacity", "must be a positive multiple of bucket_size")
	}

	if c.Book.Depth <= 0 {
		return configErr("book.depth", "must be positive")
	}
	if c.Book.Dust.IsNegative() {
		return configErr("book.dust", "must not be negative")
	}
	// an index run of both sides must fit in one bucket
	if run := int64(4*c.Book.Depth + 4); run > s.BucketSize {
		return configErr("storage.bucket_size", fmt.Sprintf("%d cannot hold an index run of %d entries", s.BucketSize, run))
	}

	if len(c.Feed.Instruments) > 0 && !isWebsocketURL(c.Feed.WSURL) {
		return configErr("feed.ws_url", "invalid websocket URL: "+c.Feed.WSURL)
	}
	for _, name := range c.Feed.Instruments {
		if !domain.ValidInstrument(name) {
			return configErr("feed.instruments", fmt.Sprintf("%q: %v", name, domain.ErrInvalidInstrument))
		}
	}

	if c.Server.RequestsPerSecond < 0 || c.Server.Burst < 0 {
		return configErr("server", "rate limits must not be negative")
	}
	if c.Client.RemoteURL != "" && !isWebsocketURL(c.Client.RemoteURL) {
		return configErr("client.remote_url", "invalid websocket URL: "+c.Client.RemoteURL)
	}
	if c.Client.DiskCacheSize < 0 || c.Client.ReadTimeoutSec < 0 {
		return configErr("client", "sizes and timeouts must not be negative")
	}

	if c.View.CacheCapacity <= 0 {
		return configErr("view.cache_capacity", "must be positive")
	}
	if c.View.FastForwardBudgetSec <= 0 {
		return configErr("view.fast_forward_budget_sec", "must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return configErr("logging.level", "unknown level "+c.Logging.Level)
	}
	return nil
}

// BookSettings returns the processor configuration.
func (c *Config) BookSettings() book.Config {
	return book.Config{Depth: c.Book.Depth, Dust: c.Book.Dust.InexactFloat64()}
}

// ReadTimeout returns the remote read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Client.ReadTimeoutSec) * time.Second
}

func configErr(field, msg string) error {
	return &domain.ConfigError{Field: field, Err: errors.New(msg)}
}

func isWebsocketURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) error {
	_ = godotenv.Load()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return &domain.ConfigError{Field: "env", Err: err}
	}
	return nil
}
