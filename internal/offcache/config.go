package offcache

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Precache  []string        `yaml:"precache" env:"OFFCACHE_PRECACHE" envSeparator:","`
	Offline   OfflineConfig   `yaml:"offline"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name" env:"OFFCACHE_APP_NAME"`
	Version string `yaml:"version" env:"OFFCACHE_VERSION"`
}

type ServerConfig struct {
	Port        int    `yaml:"port" env:"OFFCACHE_PORT"`
	Origin      string `yaml:"origin" env:"OFFCACHE_ORIGIN"`
	Scope       string `yaml:"scope" env:"OFFCACHE_SCOPE"`
	ControlPath string `yaml:"controlPath" env:"OFFCACHE_CONTROL_PATH"`

	scope *url.URL
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"OFFCACHE_STORAGE_DRIVER"`
	Path        string `yaml:"path" env:"OFFCACHE_STORAGE_PATH"`
	WriteBuffer string `yaml:"writeBuffer" env:"OFFCACHE_STORAGE_WRITE_BUFFER"`
	BlockCache  string `yaml:"blockCache" env:"OFFCACHE_STORAGE_BLOCK_CACHE"`

	writeBufferBytes int64
	blockCacheBytes  int64
}

type FetchConfig struct {
	Timeout     string `yaml:"timeout" env:"OFFCACHE_FETCH_TIMEOUT"`
	MaxBody     string `yaml:"maxBody" env:"OFFCACHE_FETCH_MAX_BODY"`
	Concurrency int    `yaml:"concurrency" env:"OFFCACHE_FETCH_CONCURRENCY"`

	timeoutDur   time.Duration
	maxBodyBytes int64
}

type OfflineConfig struct {
	Fallbacks []string `yaml:"fallbacks" env:"OFFCACHE_OFFLINE_FALLBACKS" envSeparator:","`
}

type LifecycleConfig struct {
	SkipWaiting bool `yaml:"skipWaiting" env:"OFFCACHE_SKIP_WAITING"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"OFFCACHE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"OFFCACHE_LOG_FORMAT"`
	StatsEvery string `yaml:"statsEvery" env:"OFFCACHE_LOG_STATS_EVERY"`

	level         slog.Level
	statsEveryDur time.Duration
}

func defaultConfig() Config {
	var cfg Config
	cfg.App.Name = "offcache"
	cfg.Server.Port = 8080
	cfg.Server.ControlPath = "/__offcache/message"
	cfg.Storage.Driver = "leveldb"
	cfg.Storage.Path = "./data/leveldb"
	cfg.Fetch.Timeout = "30s"
	cfg.Fetch.MaxBody = "32mb"
	cfg.Fetch.Concurrency = 8
	cfg.Offline.Fallbacks = []string{"/", "/index.html"}
	cfg.Lifecycle.SkipWaiting = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

// LoadConfig reads the YAML file at path and applies OFFCACHE_* environment
// overrides on top of it.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		cfg.App.Version = Version
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", cfg.Server.Port)
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if _, err := parseHTTPURL(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.Scope == "" {
		cfg.Server.Scope = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	scope, err := parseHTTPURL(cfg.Server.Scope)
	if err != nil {
		return fmt.Errorf("server.scope: %w", err)
	}
	cfg.Server.scope = &url.URL{Scheme: scope.Scheme, Host: scope.Host}
	if !strings.HasPrefix(cfg.Server.ControlPath, "/") {
		return fmt.Errorf("server.controlPath must start with /, got %q", cfg.Server.ControlPath)
	}

	switch cfg.Storage.Driver {
	case "leveldb":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the leveldb driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.WriteBuffer != "" {
		n, err := parseSize(cfg.Storage.WriteBuffer)
		if err != nil {
			return fmt.Errorf("storage.writeBuffer: %w", err)
		}
		cfg.Storage.writeBufferBytes = n
	}
	if cfg.Storage.BlockCache != "" {
		n, err := parseSize(cfg.Storage.BlockCache)
		if err != nil {
			return fmt.Errorf("storage.blockCache: %w", err)
		}
		cfg.Storage.blockCacheBytes = n
	}

	d, err := time.ParseDuration(cfg.Fetch.Timeout)
	if err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	cfg.Fetch.timeoutDur = d
	n, err := parseSize(cfg.Fetch.MaxBody)
	if err != nil {
		return fmt.Errorf("fetch.maxBody: %w", err)
	}
	cfg.Fetch.maxBodyBytes = n
	if cfg.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1")
	}

	cfg.Precache = normalizeURLList(cfg.Precache)
	for i, u := range cfg.Precache {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("precache[%d]: %w", i, err)
		}
	}
	cfg.Offline.Fallbacks = normalizeURLList(cfg.Offline.Fallbacks)

	if err := cfg.Logging.level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}
	return nil
}

func (cfg Config) Build() Build {
	return Build{AppName: cfg.App.Name, Version: cfg.App.Version}
}

func (cfg Config) Manifest() PrecacheManifest {
	return NewPrecacheManifest(cfg.Precache...)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required in %q", raw)
	}
	return u, nil
}

// normalizeURLList trims entries, drops empty ones and duplicates, and keeps
// the first occurrence order.
func normalizeURLList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
