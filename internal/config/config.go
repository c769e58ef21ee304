// Package config handles configuration loading and validation for the pool core.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool core
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Coin       CoinConfig       `mapstructure:"coin"`
	Node       NodeConfig       `mapstructure:"node"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Stratum    StratumConfig    `mapstructure:"stratum"`
	Validation ValidationConfig `mapstructure:"validation"`
	Security   SecurityConfig   `mapstructure:"security"`
	Bus        BusConfig        `mapstructure:"bus"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Health     HealthConfig     `mapstructure:"health"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Log        LogConfig        `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name          string `mapstructure:"name"`
	WalletAddress string `mapstructure:"wallet_address"`
}

// CoinConfig selects the coin template from the registry
type CoinConfig struct {
	Key string `mapstructure:"key"`
}

// NodeConfig defines daemon connection settings
type NodeConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PushURL         string        `mapstructure:"push_url"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ReserveSize     uint32        `mapstructure:"reserve_size"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PortConfig defines per-port difficulty policy
type PortConfig struct {
	Port            int     `mapstructure:"port"`
	MinDiff         uint64  `mapstructure:"min_diff"`
	StartDiff       uint64  `mapstructure:"start_diff"`
	MaxDiff         uint64  `mapstructure:"max_diff"`
	TargetTime      float64 `mapstructure:"target_time"`
	RetargetTime    float64 `mapstructure:"retarget_time"`
	VariancePercent float64 `mapstructure:"variance_percent"`
}

// StratumConfig defines the miner-facing server settings
type StratumConfig struct {
	Bind              string        `mapstructure:"bind"`
	TLSBind           string        `mapstructure:"tls_bind"`
	TLSCert           string        `mapstructure:"tls_cert"`
	TLSKey            string        `mapstructure:"tls_key"`
	Ports             []PortConfig  `mapstructure:"ports"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	MaxShareAge       time.Duration `mapstructure:"max_share_age"`
	BroadcastDeadline time.Duration `mapstructure:"broadcast_deadline"`
	RecentJobs        int           `mapstructure:"recent_jobs"`
}

// ValidationConfig defines share validation settings
type ValidationConfig struct {
	HashWorkers   int           `mapstructure:"hash_workers"`
	SubmitRetries int           `mapstructure:"submit_retries"`
	SubmitBackoff time.Duration `mapstructure:"submit_backoff"`
}

// SecurityConfig defines ban and rate-limit settings
type SecurityConfig struct {
	BanningEnabled      bool          `mapstructure:"banning_enabled"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	InvalidPercent      float64       `mapstructure:"invalid_percent"`
	CheckThreshold      int           `mapstructure:"check_threshold"`
	MalformedLimit      int           `mapstructure:"malformed_limit"`
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
}

// BusConfig defines message bus settings
type BusConfig struct {
	Capacity    int    `mapstructure:"capacity"`
	StreamKey   string `mapstructure:"stream_key"`
	RedisMirror bool   `mapstructure:"redis_mirror"`
}

// NotifyConfig defines block-found webhook settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// HealthConfig defines the probe server settings
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cn-pool")
	}

	v.SetEnvPrefix("CN_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "CN Pool")

	v.SetDefault("coin.key", "monero")

	v.SetDefault("node.url", "http://127.0.0.1:18081")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.poll_interval", "1s")
	v.SetDefault("node.refresh_interval", "55s")
	v.SetDefault("node.reserve_size", 8)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stratum.bind", "0.0.0.0:3333")
	v.SetDefault("stratum.connection_timeout", "10m")
	v.SetDefault("stratum.max_share_age", "6s")
	v.SetDefault("stratum.broadcast_deadline", "2s")
	v.SetDefault("stratum.recent_jobs", 4)

	v.SetDefault("validation.hash_workers", 0)
	v.SetDefault("validation.submit_retries", 3)
	v.SetDefault("validation.submit_backoff", "500ms")

	v.SetDefault("security.banning_enabled", true)
	v.SetDefault("security.ban_duration", "30m")
	v.SetDefault("security.invalid_percent", 50.0)
	v.SetDefault("security.check_threshold", 30)
	v.SetDefault("security.malformed_limit", 5)
	v.SetDefault("security.max_connections_per_ip", 100)

	v.SetDefault("bus.capacity", 4096)
	v.SetDefault("bus.stream_key", "cnpool:events")
	v.SetDefault("bus.redis_mirror", false)

	v.SetDefault("notify.enabled", false)

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "cn-pool")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.bind", "0.0.0.0:8090")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.WalletAddress == "" {
		return fmt.Errorf("pool.wallet_address is required")
	}

	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}

	if c.Node.ReserveSize < 8 {
		return fmt.Errorf("node.reserve_size must leave room for the instance nonce")
	}

	if len(c.Stratum.Ports) == 0 {
		return fmt.Errorf("stratum.ports must configure at least one port")
	}

	for _, p := range c.Stratum.Ports {
		if p.MinDiff == 0 {
			return fmt.Errorf("stratum port %d: min_diff must be > 0", p.Port)
		}
		if p.MaxDiff > 0 && p.MinDiff > p.MaxDiff {
			return fmt.Errorf("stratum port %d: min_diff must be <= max_diff", p.Port)
		}
		if p.TargetTime <= 0 {
			return fmt.Errorf("stratum port %d: target_time must be positive", p.Port)
		}
		if p.RetargetTime <= 0 {
			return fmt.Errorf("stratum port %d: retarget_time must be positive", p.Port)
		}
	}

	if c.Stratum.RecentJobs < 4 {
		return fmt.Errorf("stratum.recent_jobs must be at least 4")
	}

	if c.Validation.SubmitRetries < 1 {
		return fmt.Errorf("validation.submit_retries must be at least 1")
	}

	return nil
}

// PortFor returns the difficulty policy for a listening port, falling back
// to the first configured entry for unknown ports
func (c *Config) PortFor(port int) PortConfig {
	for _, p := range c.Stratum.Ports {
		if p.Port == port {
			return p
		}
	}
	return c.Stratum.Ports[0]
}
