// Package config loads and validates wacore's boot-time configuration.
//
// Nothing downstream reads an environment variable directly; every
// component receives a typed slice of this struct from main.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type StorageConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	PoolSize          int    `mapstructure:"pool_size"`
	SlowQueryMillis   int    `mapstructure:"slow_query_millis"`
	MonitorLogPath    string `mapstructure:"monitor_log_path"`
}

type ProviderConfig struct {
	AuthDir       string `mapstructure:"auth_dir"`
	QRDir         string `mapstructure:"qr_dir"`
	PinnedVersion string `mapstructure:"pinned_version"`
}

type ProcessConfig struct {
	NodeEnv        string `mapstructure:"node_env"`
	OwnerID        string `mapstructure:"owner_id"`
	CommandPrefix  string `mapstructure:"command_prefix"`
	ReactEmoji     string `mapstructure:"react_emoji"`
	ManagerAppName string `mapstructure:"manager_app_name"`
	LogLevel       string `mapstructure:"log_level"`
	MediaRoot      string `mapstructure:"media_root"`
	LoginBaseURL   string `mapstructure:"login_base_url"`
}

type CacheConfig struct {
	TTLSeconds       map[string]int `mapstructure:"-"`
	CheckPeriodSec   map[string]int `mapstructure:"-"`
	GlobalMaxKeys    int            `mapstructure:"global_max_keys"`
	PerEntityMaxKeys int            `mapstructure:"per_entity_max_keys"`
	KeepAfterCleanup int            `mapstructure:"keep_after_cleanup"`
	CloneOnGet       bool           `mapstructure:"clone_on_get"`
	AutoClean        bool           `mapstructure:"auto_clean"`
}

type IdentityConfig struct {
	BackfillOnStart bool `mapstructure:"backfill_on_start"`
	BackfillBatch   int  `mapstructure:"backfill_batch"`
	SweepBatch      int  `mapstructure:"sweep_batch"`
}

type ObservabilityConfig struct {
	MetricsHost          string `mapstructure:"metrics_host"`
	MetricsPort          int    `mapstructure:"metrics_port"`
	MetricsPath          string `mapstructure:"metrics_path"`
	DBMonitorEnabled     bool   `mapstructure:"db_monitor_enabled"`
	SlowQueryAlertMillis int    `mapstructure:"slow_query_alert_millis"`
}

type BroadcastModeConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	JitterMinMs int `mapstructure:"jitter_min_ms"`
	JitterMaxMs int `mapstructure:"jitter_max_ms"`
	Retries     int `mapstructure:"retries"`
	BackoffMs   int `mapstructure:"backoff_ms"`
}

type BroadcastConfig struct {
	Default BroadcastModeConfig `mapstructure:"default"`
	Fast    BroadcastModeConfig `mapstructure:"fast"`
	Safe    BroadcastModeConfig `mapstructure:"safe"`
}

type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Process       ProcessConfig       `mapstructure:"process"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Broadcast     BroadcastConfig     `mapstructure:"broadcast"`
}

// Load reads .env, environment (prefixed WACORE_), and an optional YAML
// file, then validates the required invariants. A non-nil error here means
// the caller must exit non-zero without starting event subscription.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment", "error", err)
	}

	viper.SetEnvPrefix("WACORE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	viper.SetConfigName("wacore")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		slog.Debug("no YAML config file found, using environment variables and defaults")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("storage.host", "localhost")
	viper.SetDefault("storage.port", 5432)
	viper.SetDefault("storage.pool_size", 10)
	viper.SetDefault("storage.slow_query_millis", 200)

	viper.SetDefault("provider.auth_dir", "./data/auth")
	viper.SetDefault("provider.qr_dir", "./data/qr")

	viper.SetDefault("process.node_env", "development")
	viper.SetDefault("process.command_prefix", "/")
	viper.SetDefault("process.react_emoji", "⏳")
	viper.SetDefault("process.log_level", "info")
	viper.SetDefault("process.media_root", "./data/media")

	viper.SetDefault("cache.global_max_keys", 50000)
	viper.SetDefault("cache.per_entity_max_keys", 20000)
	viper.SetDefault("cache.keep_after_cleanup", 15000)
	viper.SetDefault("cache.clone_on_get", false)
	viper.SetDefault("cache.auto_clean", true)

	viper.SetDefault("identity.backfill_on_start", true)
	viper.SetDefault("identity.backfill_batch", 500)
	viper.SetDefault("identity.sweep_batch", 500)

	viper.SetDefault("observability.metrics_host", "0.0.0.0")
	viper.SetDefault("observability.metrics_port", 9090)
	viper.SetDefault("observability.metrics_path", "/metrics")
	viper.SetDefault("observability.db_monitor_enabled", true)
	viper.SetDefault("observability.slow_query_alert_millis", 500)

	viper.SetDefault("broadcast.default.concurrency", 5)
	viper.SetDefault("broadcast.default.jitter_min_ms", 250)
	viper.SetDefault("broadcast.default.jitter_max_ms", 1500)
	viper.SetDefault("broadcast.default.retries", 3)
	viper.SetDefault("broadcast.default.backoff_ms", 1000)

	viper.SetDefault("broadcast.fast.concurrency", 15)
	viper.SetDefault("broadcast.fast.jitter_min_ms", 50)
	viper.SetDefault("broadcast.fast.jitter_max_ms", 300)
	viper.SetDefault("broadcast.fast.retries", 1)
	viper.SetDefault("broadcast.fast.backoff_ms", 500)

	viper.SetDefault("broadcast.safe.concurrency", 2)
	viper.SetDefault("broadcast.safe.jitter_min_ms", 800)
	viper.SetDefault("broadcast.safe.jitter_max_ms", 3000)
	viper.SetDefault("broadcast.safe.retries", 5)
	viper.SetDefault("broadcast.safe.backoff_ms", 2000)
}

// DatabaseName returns the configured database name, suffixed by the
// process environment tag outside production (e.g. "wacore" in
// production, "wacore_staging" in staging).
func (c *Config) DatabaseName() string {
	if c.Process.NodeEnv == "production" {
		return c.Storage.Database
	}
	return c.Storage.Database + "_" + c.Process.NodeEnv
}

func validate(cfg *Config) error {
	var missing []string
	if cfg.Storage.Host == "" {
		missing = append(missing, "storage.host")
	}
	if cfg.Storage.User == "" {
		missing = append(missing, "storage.user")
	}
	if cfg.Storage.Password == "" {
		missing = append(missing, "storage.password")
	}
	if cfg.Storage.Database == "" {
		missing = append(missing, "storage.database")
	}
	if cfg.Provider.AuthDir == "" {
		missing = append(missing, "provider.auth_dir")
	}
	if cfg.Process.OwnerID == "" {
		missing = append(missing, "process.owner_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}
