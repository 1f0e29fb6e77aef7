package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g.
// ANALYTICSD_SERVER_LISTEN or ANALYTICSD_JOBS_SHUTDOWN_GRACE.
const EnvPrefix = "ANALYTICSD"

// Dependency kinds.
const (
	KindStore     = "store"
	KindCache     = "cache"
	KindWarehouse = "warehouse"
)

// Config represents the top-level TOML structure.
type Config struct {
	Version         string        `mapstructure:"version"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnvFiles        []string      `mapstructure:"env_files"`

	// Shorthand single-URL dependencies, used when [[dependencies]] is empty.
	DatabaseURL  string `mapstructure:"database_url"`
	RedisURL     string `mapstructure:"redis_url"`
	WarehouseURL string `mapstructure:"warehouse_url"`

	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Log          logger.Config      `mapstructure:"log"`
	Dependencies []DependencyConfig `mapstructure:"dependencies"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Schedules    []ScheduleConfig   `mapstructure:"schedules"`
	Health       HealthConfig       `mapstructure:"health"`
	History      HistoryConfig      `mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // optional dedicated listener
}

type DependencyConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	DSN          string        `mapstructure:"dsn"`
	Required     *bool         `mapstructure:"required"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxAge   time.Duration `mapstructure:"conn_max_age"`
}

// IsRequired reports whether the dependency participates in overall health.
// Warehouses are optional unless stated otherwise.
func (d DependencyConfig) IsRequired() bool {
	if d.Required != nil {
		return *d.Required
	}
	return d.Kind != KindWarehouse
}

type JobsConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
}

// ScheduleConfig overrides a built-in periodic job by name.
type ScheduleConfig struct {
	Name      string `mapstructure:"name"`
	Schedule  string `mapstructure:"schedule"` // "@every 5m" or "5m"
	Immediate *bool  `mapstructure:"immediate"`
	Disabled  bool   `mapstructure:"disabled"`
}

type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryConfig selects where terminal job events are exported.
type HistoryConfig struct {
	Store           bool   `mapstructure:"store"`     // job_history table of the store dependency
	Warehouse       bool   `mapstructure:"warehouse"` // job_history table of the warehouse dependency
	OpenSearchURL   string `mapstructure:"opensearch_url"`
	OpenSearchIndex string `mapstructure:"opensearch_index"`

	// Retention bounds job_history rows in the store; 0 keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0.0")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("warehouse_url", "")
	v.SetDefault("server.listen", ":8000")
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.stdout", false)
	v.SetDefault("jobs.retention", time.Hour)
	v.SetDefault("jobs.cleanup_interval", time.Minute)
	v.SetDefault("jobs.shutdown_grace", 10*time.Second)
	v.SetDefault("jobs.max_concurrent", 0)
	v.SetDefault("health.timeout", 2*time.Second)
	v.SetDefault("history.store", true)
	v.SetDefault("history.warehouse", true)
	v.SetDefault("history.opensearch_url", "")
	v.SetDefault("history.opensearch_index", "analyticsd-jobs")
	v.SetDefault("history.retention", 30*24*time.Hour)
}

// Load reads a TOML file (path may be empty to use defaults and environment
// only), applies env files and ANALYTICSD_ overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for _, p := range v.GetStringSlice("env_files") {
		if err := applyEnvFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.expand()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// expand resolves ${VAR} references in DSNs and synthesizes dependencies
// from the shorthand URLs.
func (c *Config) expand() {
	if len(c.Dependencies) == 0 {
		if c.DatabaseURL != "" {
			c.Dependencies = append(c.Dependencies, DependencyConfig{Name: "database", Kind: KindStore, DSN: c.DatabaseURL})
		}
		if c.RedisURL != "" {
			c.Dependencies = append(c.Dependencies, DependencyConfig{Name: "redis", Kind: KindCache, DSN: c.RedisURL})
		}
		if c.WarehouseURL != "" {
			c.Dependencies = append(c.Dependencies, DependencyConfig{Name: "warehouse", Kind: KindWarehouse, DSN: c.WarehouseURL})
		}
	}
	for i := range c.Dependencies {
		c.Dependencies[i].DSN = os.ExpandEnv(c.Dependencies[i].DSN)
		c.Dependencies[i].Kind = strings.ToLower(strings.TrimSpace(c.Dependencies[i].Kind))
	}
	c.History.OpenSearchURL = os.ExpandEnv(c.History.OpenSearchURL)
}

// Validate returns a descriptive error for the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Dependencies))
	stores := 0
	for i, d := range c.Dependencies {
		if d.Name == "" {
			return fmt.Errorf("dependencies[%d] requires name", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate dependency %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		switch d.Kind {
		case KindStore:
			stores++
		case KindCache, KindWarehouse:
		default:
			return fmt.Errorf("dependency %s: unknown kind %q (want store, cache or warehouse)", d.Name, d.Kind)
		}
		if strings.TrimSpace(d.DSN) == "" {
			return fmt.Errorf("dependency %s requires dsn", d.Name)
		}
		if d.PingTimeout < 0 {
			return fmt.Errorf("dependency %s: ping_timeout must be >= 0", d.Name)
		}
	}
	if stores > 1 {
		return fmt.Errorf("at most one store dependency is supported, got %d", stores)
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be > 0")
	}
	if c.Jobs.CleanupInterval <= 0 {
		return fmt.Errorf("jobs.cleanup_interval must be > 0")
	}
	if c.Jobs.ShutdownGrace <= 0 {
		return fmt.Errorf("jobs.shutdown_grace must be > 0")
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must be >= 0")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must be >= 0")
	}
	names := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d] requires name", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate schedule %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Schedule != "" {
			if _, err := cron.ParseSchedule(s.Schedule); err != nil {
				return fmt.Errorf("schedule %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

// ScheduleFor returns the override for a periodic job, if any.
func (c *Config) ScheduleFor(name string) (ScheduleConfig, bool) {
	for _, s := range c.Schedules {
		if s.Name == name {
			return s, true
		}
	}
	return ScheduleConfig{}, false
}

// applyEnvFile loads KEY=VALUE lines into the process environment without
// overriding variables that are already set. Lines starting with # are ignored.
func applyEnvFile(path string) error {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return err
	}
	for k, v := range pairs {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes).
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
