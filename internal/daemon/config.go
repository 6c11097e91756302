// Package daemon loads configuration and assembles the long-running
// xpengine process.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/app/engine"
	"github.com/habitflow/xpengine/internal/infra/kv"
)

// EnvPrefix prefixes every environment override, e.g. XPENGINE_API_PORT.
const EnvPrefix = "XPENGINE"

// Config is the full daemon configuration.
type Config struct {
	API          APIConfig          `toml:"api" envconfig:"API"`
	Storage      StorageConfig      `toml:"storage" envconfig:"STORAGE"`
	Level        LevelConfig        `toml:"level" envconfig:"LEVEL"`
	Queue        QueueConfig        `toml:"queue" envconfig:"QUEUE"`
	Achievements AchievementsConfig `toml:"achievements" envconfig:"ACHIEVEMENTS"`
	Reconcile    ReconcileConfig    `toml:"reconcile" envconfig:"RECONCILE"`
	Log          LogConfig          `toml:"log" envconfig:"LOG"`
	Metrics      MetricsConfig      `toml:"metrics" envconfig:"METRICS"`
}

type APIConfig struct {
	Host           string  `toml:"host" envconfig:"HOST"`
	Port           int     `toml:"port" envconfig:"PORT"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `toml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

type StorageConfig struct {
	Backend          string        `toml:"backend" envconfig:"BACKEND"`
	Path             string        `toml:"path" envconfig:"PATH"`
	RetryMax         int           `toml:"retry_max" envconfig:"RETRY_MAX"`
	RetryBase        time.Duration `toml:"retry_base" envconfig:"RETRY_BASE"`
	BreakerThreshold int           `toml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerReset     time.Duration `toml:"breaker_reset" envconfig:"BREAKER_RESET"`
}

type LevelConfig struct {
	CacheSize int `toml:"cache_size" envconfig:"CACHE_SIZE"`
}

type QueueConfig struct {
	Buffer int `toml:"buffer" envconfig:"BUFFER"`
}

type AchievementsConfig struct {
	Catalog   string `toml:"catalog" envconfig:"CATALOG"` // YAML file; empty uses the built-in set
	MaxPasses int    `toml:"max_passes" envconfig:"MAX_PASSES"`
}

type ReconcileConfig struct {
	OnStartup bool   `toml:"on_startup" envconfig:"ON_STARTUP"`
	Schedule  string `toml:"schedule" envconfig:"SCHEDULE"` // cron spec; empty disables
}

type LogConfig struct {
	Level  string `toml:"level" envconfig:"LEVEL"`
	Format string `toml:"format" envconfig:"FORMAT"` // "console" or "json"
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" envconfig:"ENABLED"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           7420,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Storage: StorageConfig{
			Backend:          string(kv.BackendBolt),
			Path:             HomeDir(),
			RetryMax:         5,
			RetryBase:        25 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Level:        LevelConfig{CacheSize: 512},
		Queue:        QueueConfig{Buffer: 256},
		Achievements: AchievementsConfig{MaxPasses: 4},
		Reconcile:    ReconcileConfig{OnStartup: true, Schedule: "@every 1h"},
		Log:          LogConfig{Level: "info", Format: "console"},
		Metrics:      MetricsConfig{Enabled: true},
	}
}

// HomeDir returns $XPENGINE_HOME, or ~/.xpengine.
func HomeDir() string {
	if h := os.Getenv("XPENGINE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xpengine"
	}
	return filepath.Join(home, ".xpengine")
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.toml")
}

// Load builds a config from defaults, then the TOML file at path (a missing
// file is fine), then XPENGINE_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	switch kv.Backend(c.Storage.Backend) {
	case kv.BackendMemory, kv.BackendBolt, kv.BackendSQLite:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != string(kv.BackendMemory) && c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port: %d out of range", c.API.Port)
	}
	if c.API.RateLimitRPS < 0 || c.API.RateLimitBurst < 0 {
		return errors.New("api rate limit must not be negative")
	}
	if c.Level.CacheSize <= 0 {
		return errors.New("level.cache_size must be positive")
	}
	if c.Queue.Buffer <= 0 {
		return errors.New("queue.buffer must be positive")
	}
	if c.Achievements.MaxPasses <= 0 {
		return errors.New("achievements.max_passes must be positive")
	}
	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: %q is not console or json", c.Log.Format)
	}
	return nil
}

// Addr is the API listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// StorageOptions maps the storage section onto kv.Options.
func (c Config) StorageOptions() kv.Options {
	return kv.Options{
		Backend:          kv.Backend(c.Storage.Backend),
		Dir:              c.Storage.Path,
		RetryMax:         c.Storage.RetryMax,
		RetryBase:        c.Storage.RetryBase,
		BreakerThreshold: c.Storage.BreakerThreshold,
		BreakerReset:     c.Storage.BreakerReset,
	}
}

// EngineConfig maps the engine-related sections onto engine.Config.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxPasses:        c.Achievements.MaxPasses,
		QueueBuffer:      c.Queue.Buffer,
		LevelCacheSize:   c.Level.CacheSize,
		ReconcileOnStart: c.Reconcile.OnStartup,
	}
}

// WriteTOML writes c as TOML.
func (c Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
