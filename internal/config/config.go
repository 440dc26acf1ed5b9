// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Worker struct {
	ID string `mapstructure:"id"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CircuitBreaker struct {
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type API struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Config is the complete runtime configuration shared by every role
// (dispatcher, scheduler, api) of the sgucard dispatcher.
type Config struct {
	Worker Worker `mapstructure:"worker"`
	Store  Store  `mapstructure:"store"`

	PollIntervalSeconds      int `mapstructure:"poll_interval_seconds"`
	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds"`
	DispatchStaggerSeconds   int `mapstructure:"dispatch_stagger_seconds"`
	PostJobCooldownSeconds   int `mapstructure:"post_job_cooldown_seconds"`

	APIServerURLs []string `mapstructure:"api_server_urls"`

	HealthcheckPath           string `mapstructure:"healthcheck_path"`
	HealthcheckTimeoutSeconds int    `mapstructure:"healthcheck_timeout_seconds"`
	HealthcheckCacheSeconds   int    `mapstructure:"healthcheck_cache_seconds"`

	VerifyPath        string `mapstructure:"verify_path"`
	APITimeoutSeconds int    `mapstructure:"api_timeout_seconds"`
	APIToken          string `mapstructure:"api_token"`

	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`

	SkipExisting           bool    `mapstructure:"skip_existing"`
	SkipActiveProcessing   bool    `mapstructure:"skip_active_processing"`
	SkipRecentSuccessHours float64 `mapstructure:"skip_recent_success_hours"`
	RateLimitMs            int     `mapstructure:"rate_limit_ms"`

	CronDailySpec string `mapstructure:"cron_daily_spec"`
	CronSweepSpec string `mapstructure:"cron_sweep_spec"`
	CardListPath  string `mapstructure:"card_list_path"`

	API API `mapstructure:"api"`

	Observability Observability `mapstructure:"observability"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}
func (c *Config) DispatchStagger() time.Duration {
	return time.Duration(c.DispatchStaggerSeconds) * time.Second
}
func (c *Config) PostJobCooldown() time.Duration {
	return time.Duration(c.PostJobCooldownSeconds) * time.Second
}
func (c *Config) HealthcheckTimeout() time.Duration {
	return time.Duration(c.HealthcheckTimeoutSeconds) * time.Second
}
func (c *Config) HealthcheckCache() time.Duration {
	return time.Duration(c.HealthcheckCacheSeconds) * time.Second
}
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		Worker: Worker{ID: "sgucard-worker-1"},
		Store:  Store{Driver: "sqlite", DSN: "./sgucard.db"},

		PollIntervalSeconds:      5,
		VisibilityTimeoutSeconds: 120,
		DispatchStaggerSeconds:   1,
		PostJobCooldownSeconds:   0,

		APIServerURLs: []string{},

		HealthcheckPath:           "/",
		HealthcheckTimeoutSeconds: 5,
		HealthcheckCacheSeconds:   30,

		VerifyPath:        "/verify",
		APITimeoutSeconds: 60,

		CircuitBreaker: CircuitBreaker{
			Window:           1 * time.Minute,
			Cooldown:         30 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       5,
		},

		SkipExisting:           true,
		SkipActiveProcessing:   true,
		SkipRecentSuccessHours: 24,
		RateLimitMs:            0,

		CronDailySpec: "0 18 * * *",
		CronSweepSpec: "0 3 * * 0",
		CardListPath:  "",

		API: API{ListenAddr: ":8080"},

		Observability: Observability{MetricsPort: 9090, LogLevel: "info"},
	}
}

// Load reads configuration from an optional YAML file at path overlaid with
// environment variables (dotted keys, "." replaced by "_" for lookup).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("worker.id", def.Worker.ID)
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("poll_interval_seconds", def.PollIntervalSeconds)
	v.SetDefault("visibility_timeout_seconds", def.VisibilityTimeoutSeconds)
	v.SetDefault("dispatch_stagger_seconds", def.DispatchStaggerSeconds)
	v.SetDefault("post_job_cooldown_seconds", def.PostJobCooldownSeconds)
	v.SetDefault("api_server_urls", def.APIServerURLs)
	v.SetDefault("healthcheck_path", def.HealthcheckPath)
	v.SetDefault("healthcheck_timeout_seconds", def.HealthcheckTimeoutSeconds)
	v.SetDefault("healthcheck_cache_seconds", def.HealthcheckCacheSeconds)
	v.SetDefault("verify_path", def.VerifyPath)
	v.SetDefault("api_timeout_seconds", def.APITimeoutSeconds)
	v.SetDefault("api_token", def.APIToken)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown", def.CircuitBreaker.Cooldown)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("skip_existing", def.SkipExisting)
	v.SetDefault("skip_active_processing", def.SkipActiveProcessing)
	v.SetDefault("skip_recent_success_hours", def.SkipRecentSuccessHours)
	v.SetDefault("rate_limit_ms", def.RateLimitMs)
	v.SetDefault("cron_daily_spec", def.CronDailySpec)
	v.SetDefault("cron_sweep_spec", def.CronSweepSpec)
	v.SetDefault("card_list_path", def.CardListPath)
	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.auth_token", def.API.AuthToken)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns a descriptive error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.ID == "" {
		return fmt.Errorf("worker.id must be set")
	}
	if cfg.Store.Driver != "postgres" && cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be >= 1")
	}
	if cfg.VisibilityTimeoutSeconds < 1 {
		return fmt.Errorf("visibility_timeout_seconds must be >= 1")
	}
	if cfg.DispatchStaggerSeconds < 0 {
		return fmt.Errorf("dispatch_stagger_seconds must be >= 0")
	}
	if len(cfg.APIServerURLs) == 0 {
		return fmt.Errorf("api_server_urls must be non-empty")
	}
	if cfg.HealthcheckTimeoutSeconds < 1 {
		return fmt.Errorf("healthcheck_timeout_seconds must be >= 1")
	}
	if cfg.HealthcheckCacheSeconds < 0 {
		return fmt.Errorf("healthcheck_cache_seconds must be >= 0")
	}
	if cfg.VerifyPath == "" {
		return fmt.Errorf("verify_path must be set")
	}
	if cfg.APITimeoutSeconds < 1 {
		return fmt.Errorf("api_timeout_seconds must be >= 1")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 || cfg.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0,1]")
	}
	if cfg.CircuitBreaker.MinSamples < 1 {
		return fmt.Errorf("circuit_breaker.min_samples must be >= 1")
	}
	if cfg.SkipRecentSuccessHours < 0 {
		return fmt.Errorf("skip_recent_success_hours must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
