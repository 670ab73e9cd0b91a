// Package config loads engine configuration the way the teacher's
// internal/config + cmd/bd wire spf13/viper: defaults, then env vars,
// then an optional config file, then per-call overrides.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the recognised options from spec.md §6.
type Config struct {
	PageSize               int           `mapstructure:"page_size"`
	CacheBlocks            int           `mapstructure:"cache_blocks"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_ms"`
	LeaderTimeout           time.Duration `mapstructure:"leader_timeout_ms"`
	WriteForwardTimeout     time.Duration `mapstructure:"write_forward_timeout_ms"`
	AllowNonLeaderWrites    bool          `mapstructure:"allow_non_leader_writes"`
	OptimisticUpdates       bool          `mapstructure:"optimistic_updates"`
	CoordinationMetrics     bool          `mapstructure:"coordination_metrics"`
}

// Default returns the compile-time defaults from spec.md §6.
func Default() Config {
	return Config{
		PageSize:             4096,
		CacheBlocks:          128,
		HeartbeatInterval:    5 * time.Second,
		LeaderTimeout:        15 * time.Second,
		WriteForwardTimeout:  30 * time.Second,
		AllowNonLeaderWrites: false,
		OptimisticUpdates:    false,
		CoordinationMetrics:  false,
	}
}

// Option overrides a single field, for new_database(name, opts...)-style
// call-site configuration (spec.md §6).
type Option func(*Config)

func WithPageSize(n int) Option            { return func(c *Config) { c.PageSize = n } }
func WithCacheBlocks(n int) Option         { return func(c *Config) { c.CacheBlocks = n } }
func WithHeartbeat(d time.Duration) Option { return func(c *Config) { c.HeartbeatInterval = d } }
func WithLeaderTimeout(d time.Duration) Option {
	return func(c *Config) { c.LeaderTimeout = d }
}
func WithWriteForwardTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteForwardTimeout = d }
}
func WithAllowNonLeaderWrites(b bool) Option { return func(c *Config) { c.AllowNonLeaderWrites = b } }
func WithOptimisticUpdates(b bool) Option    { return func(c *Config) { c.OptimisticUpdates = b } }
func WithCoordinationMetrics(b bool) Option  { return func(c *Config) { c.CoordinationMetrics = b } }

// Load builds a Config from defaults, the ABSURDER_ environment namespace,
// and an optional config file (if present), then applies opts on top —
// the same precedence chain the teacher's viper-based config assembles.
func Load(configFile string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ABSURDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("cache_blocks", def.CacheBlocks)
	v.SetDefault("heartbeat_ms", def.HeartbeatInterval.Milliseconds())
	v.SetDefault("leader_timeout_ms", def.LeaderTimeout.Milliseconds())
	v.SetDefault("write_forward_timeout_ms", def.WriteForwardTimeout.Milliseconds())
	v.SetDefault("allow_non_leader_writes", def.AllowNonLeaderWrites)
	v.SetDefault("optimistic_updates", def.OptimisticUpdates)
	v.SetDefault("coordination_metrics", def.CoordinationMetrics)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	cfg := def
	cfg.PageSize = v.GetInt("page_size")
	cfg.CacheBlocks = v.GetInt("cache_blocks")
	cfg.HeartbeatInterval = time.Duration(v.GetInt64("heartbeat_ms")) * time.Millisecond
	cfg.LeaderTimeout = time.Duration(v.GetInt64("leader_timeout_ms")) * time.Millisecond
	cfg.WriteForwardTimeout = time.Duration(v.GetInt64("write_forward_timeout_ms")) * time.Millisecond
	cfg.AllowNonLeaderWrites = v.GetBool("allow_non_leader_writes")
	cfg.OptimisticUpdates = v.GetBool("optimistic_updates")
	cfg.CoordinationMetrics = v.GetBool("coordination_metrics")

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
