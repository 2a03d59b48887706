// Package config loads and validates downloader configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted for store.backend.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendNoop   = "noop"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SchedulerConfig governs the admission control loop.
type SchedulerConfig struct {
	TickIntervalMs     int `mapstructure:"tick_interval_ms"`
	MaxInFlight        int `mapstructure:"max_in_flight"`
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`
}

// TickInterval returns the loop interval as a duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// StopTimeout returns the gateway stop bound as a duration.
func (c SchedulerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// StoreConfig selects and locates the backlog store backend.
type StoreConfig struct {
	Backend         string `mapstructure:"backend"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MongoURI        string `mapstructure:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection"`
}

// GatewayConfig configures the metadata exchange engine.
type GatewayConfig struct {
	MagnetPrefix string `mapstructure:"magnet_prefix"`
	StagingDir   string `mapstructure:"staging_dir"`
	ListenPort   int    `mapstructure:"listen_port"`
}

// ArtifactsConfig sets where fetched descriptors are copied.
type ArtifactsConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// ServerConfig controls the observability HTTP listener. An empty address
// disables it.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METADL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.tick_interval_ms", 5000)
	v.SetDefault("scheduler.max_in_flight", 10)
	v.SetDefault("scheduler.stop_timeout_seconds", 10)
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "metadl.db")
	v.SetDefault("store.mongo_database", "metadl")
	v.SetDefault("store.mongo_collection", "backlog")
	v.SetDefault("gateway.magnet_prefix", "magnet:?xt=urn:btih:")
	v.SetDefault("gateway.staging_dir", "staging")
	v.SetDefault("gateway.listen_port", 0)
	v.SetDefault("artifacts.output_dir", "torrents")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler.tick_interval_ms must be > 0")
	}
	if c.Scheduler.MaxInFlight <= 0 {
		return fmt.Errorf("scheduler.max_in_flight must be > 0")
	}
	if c.Scheduler.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.stop_timeout_seconds must be > 0")
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite backend")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri must be set for the mongo backend")
		}
	case BackendNoop:
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.Gateway.MagnetPrefix == "" {
		return fmt.Errorf("gateway.magnet_prefix must not be empty")
	}
	if c.Artifacts.OutputDir == "" {
		return fmt.Errorf("artifacts.output_dir must not be empty")
	}
	return nil
}
