// Package config loads the harvester configuration from defaults, an
// optional YAML file and HARVESTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/logging"
	"github.com/Sternrassler/replay-harvester/pkg/ratelimit"
	"github.com/Sternrassler/replay-harvester/pkg/sweep"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_STORAGE_DIR.
const EnvPrefix = "HARVESTER"

// MaxPageSize is the largest count the listing API accepts.
const MaxPageSize = 200

// Storage backends.
const (
	BackendFile  = "file"
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// ErrNoToken is returned by LoadToken when the credential file is missing or empty.
var ErrNoToken = errors.New("api token not found")

// Ranks is the default sweep order.
var Ranks = []string{
	"bronze-1", "bronze-2", "bronze-3",
	"silver-1", "silver-2", "silver-3",
	"gold-1", "gold-2", "gold-3",
	"platinum-1", "platinum-2", "platinum-3",
	"diamond-1", "diamond-2", "diamond-3",
	"champion-1", "champion-2", "champion-3",
	"grand-champion-1", "grand-champion-2", "grand-champion-3",
}

// Config holds all harvester configuration.
type Config struct {
	API        APIConfig       `mapstructure:"api"`
	Query      QueryConfig     `mapstructure:"query"`
	Categories []string        `mapstructure:"categories"`
	Storage    StorageConfig   `mapstructure:"storage"`
	RateLimit  RateLimitConfig `mapstructure:"ratelimit"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
}

// APIConfig describes the upstream endpoint and credential.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TokenFile string        `mapstructure:"token_file"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// QueryConfig holds the fixed listing filters.
type QueryConfig struct {
	Playlist string `mapstructure:"playlist"`
	Season   string `mapstructure:"season"`
	PageSize int    `mapstructure:"page_size"`
}

// StorageConfig selects and configures the store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // file, bolt or redis
	Dir       string `mapstructure:"dir"`
	BoltPath  string `mapstructure:"bolt_path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	HourlyBudget int           `mapstructure:"hourly_budget"`
	Window       time.Duration `mapstructure:"window"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "https://ballchasing.com/api/replays",
			TokenFile: "token",
			Timeout:   client.DefaultTimeout,
			UserAgent: "replay-harvester",
		},
		Query: QueryConfig{
			Playlist: "ranked-standard",
			Season:   "f13",
			PageSize: MaxPageSize,
		},
		Categories: append([]string(nil), Ranks...),
		Storage: StorageConfig{
			Backend:   BackendFile,
			Dir:       "replays",
			BoltPath:  "replays.db",
			RedisAddr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Interval:     ratelimit.DefaultInterval,
			HourlyBudget: ratelimit.DefaultHourlyBudget,
			Window:       ratelimit.DefaultWindow,
			Cooldown:     ratelimit.DefaultCooldown,
		},
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Pretty: true,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.token_file", cfg.API.TokenFile)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("query.playlist", cfg.Query.Playlist)
	v.SetDefault("query.season", cfg.Query.Season)
	v.SetDefault("query.page_size", cfg.Query.PageSize)

	v.SetDefault("categories", cfg.Categories)

	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("storage.bolt_path", cfg.Storage.BoltPath)
	v.SetDefault("storage.redis_addr", cfg.Storage.RedisAddr)
	v.SetDefault("storage.redis_db", cfg.Storage.RedisDB)

	v.SetDefault("ratelimit.interval", cfg.RateLimit.Interval)
	v.SetDefault("ratelimit.hourly_budget", cfg.RateLimit.HourlyBudget)
	v.SetDefault("ratelimit.window", cfg.RateLimit.Window)
	v.SetDefault("ratelimit.cooldown", cfg.RateLimit.Cooldown)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "replay-harvester")
}

// Load reads the configuration. With an empty path, harvester.yaml is looked
// up in the working directory and DefaultConfigDir; a missing file is fine.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("harvester")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir := DefaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Query.PageSize < 1 || c.Query.PageSize > MaxPageSize {
		return fmt.Errorf("query.page_size must be in 1..%d, got %d", MaxPageSize, c.Query.PageSize)
	}
	if err := c.Sweep().Validate(); err != nil {
		return fmt.Errorf("categories: %w", err)
	}
	if err := c.Limiter().Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for the file backend")
		}
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			return errors.New("storage.bolt_path is required for the bolt backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// Sweep returns the controller configuration.
func (c *Config) Sweep() sweep.Config {
	return sweep.Config{
		Categories: append([]string(nil), c.Categories...),
		PageSize:   c.Query.PageSize,
		Playlist:   c.Query.Playlist,
		Season:     c.Query.Season,
		BaseURL:    c.API.BaseURL,
	}
}

// Limiter returns the rate limiter configuration.
func (c *Config) Limiter() ratelimit.Config {
	return ratelimit.Config{
		Interval:     c.RateLimit.Interval,
		HourlyBudget: c.RateLimit.HourlyBudget,
		Window:       c.RateLimit.Window,
		Cooldown:     c.RateLimit.Cooldown,
	}
}

// Client returns the upstream client configuration for token.
func (c *Config) Client(token string) client.Config {
	return client.Config{
		Token:     token,
		UserAgent: c.API.UserAgent,
		Timeout:   c.API.Timeout,
	}
}

// Log returns the logger configuration.
func (c *Config) Log() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// LoadToken reads the API token from path. Surrounding whitespace is dropped.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrNoToken, path)
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, path)
	}
	return token, nil
}
