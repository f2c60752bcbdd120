package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"localtasks/internal/scheduler"
	"localtasks/internal/sync"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	ConnectivityTimeout time.Duration `yaml:"connectivity_timeout"`
	BatchTimeout        time.Duration `yaml:"batch_timeout"`
}

type SyncConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	MaxRetries int    `yaml:"max_retries"`
	BatchSize  int    `yaml:"batch_size"`
	Schedule   string `yaml:"schedule"`
}

// ScheduleEnabled reports whether periodic cycles should run. Defaults to true.
func (s SyncConfig) ScheduleEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type APIConfig struct {
	Addr      string          `yaml:"addr"`
	Debug     bool            `yaml:"debug"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// Load reads .env (if present) and the YAML file at configPath, expanding
// ${VAR} references before decoding.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.base_url %q must be an absolute http(s) URL", c.Remote.BaseURL)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be at least 1")
	}
	if err := scheduler.ValidateCronExpression(c.Sync.Schedule); err != nil {
		return fmt.Errorf("sync.schedule: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "localtasks"
	}
	if c.Database.Path == "" {
		c.Database.Path = "localtasks.db"
	}
	if c.Remote.ConnectivityTimeout == 0 {
		c.Remote.ConnectivityTimeout = 5 * time.Second
	}
	if c.Remote.BatchTimeout == 0 {
		c.Remote.BatchTimeout = 30 * time.Second
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = sync.DefaultMaxRetries
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = sync.DefaultBatchSize
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 30s"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 1
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 3
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "localtasks:deadletter"
	}
}

// SyncOptions returns the engine configuration derived from this config.
func (c *Config) SyncOptions() sync.Config {
	return sync.Config{MaxRetries: c.Sync.MaxRetries, BatchSize: c.Sync.BatchSize}
}
