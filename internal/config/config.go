package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	APIPort      int    `mapstructure:"api_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type         string      `mapstructure:"type"` // sqlite, bolt or redis
	Path         string      `mapstructure:"path"`
	FallbackPath string      `mapstructure:"fallback_path"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QuotaConfig defines default limits and session timing
type QuotaConfig struct {
	Period                       string `mapstructure:"period"` // month or day
	DefaultPeriodLimitSeconds    int64  `mapstructure:"default_period_limit_seconds"`
	DefaultSessionLimitSeconds   int64  `mapstructure:"default_session_limit_seconds"`
	DefaultMaxConcurrentSessions int    `mapstructure:"default_max_concurrent_sessions"`
	TokenExpiry                  string `mapstructure:"token_expiry"`
	RenewalThreshold             string `mapstructure:"renewal_threshold"`
	HeartbeatInterval            string `mapstructure:"heartbeat_interval"`
	WarningThreshold             string `mapstructure:"warning_threshold"`
	MinSessionDuration           string `mapstructure:"min_session_duration"`
	MaxSessionDuration           string `mapstructure:"max_session_duration"`
	SweepInterval                string `mapstructure:"sweep_interval"`
	TokenSecret                  string `mapstructure:"token_secret"`
	LimitsCacheSize              int    `mapstructure:"limits_cache_size"`
	LimitsCacheTTL               string `mapstructure:"limits_cache_ttl"`
}

// QuotaTimings is QuotaConfig with every duration parsed
type QuotaTimings struct {
	TokenExpiry        time.Duration
	RenewalThreshold   time.Duration
	HeartbeatInterval  time.Duration
	WarningThreshold   time.Duration
	MinSessionDuration time.Duration
	MaxSessionDuration time.Duration
	SweepInterval      time.Duration
	LimitsCacheTTL     time.Duration
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Token          string `mapstructure:"token"`
	RateLimit      int    `mapstructure:"rate_limit"` // requests per minute per client IP
	RateLimitBurst int    `mapstructure:"rate_limit_burst"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("VOXQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every configuration key the application reads
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/voxquota/voxquota.db")
	v.SetDefault("storage.fallback_path", "/var/lib/voxquota/fallback.json")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Quota defaults
	v.SetDefault("quota.period", "month")
	v.SetDefault("quota.default_period_limit_seconds", 900)
	v.SetDefault("quota.default_session_limit_seconds", 900)
	v.SetDefault("quota.default_max_concurrent_sessions", 3)
	v.SetDefault("quota.token_expiry", "20m")
	v.SetDefault("quota.renewal_threshold", "2m")
	v.SetDefault("quota.heartbeat_interval", "60s")
	v.SetDefault("quota.warning_threshold", "5m")
	v.SetDefault("quota.min_session_duration", "60s")
	v.SetDefault("quota.max_session_duration", "1h")
	v.SetDefault("quota.sweep_interval", "1m")
	v.SetDefault("quota.token_secret", "")
	v.SetDefault("quota.limits_cache_size", 1024)
	v.SetDefault("quota.limits_cache_ttl", "30s")

	// Admin defaults
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 120)
	v.SetDefault("admin.rate_limit_burst", 20)
}

// Timings parses the quota durations. Load has already validated them.
func (q QuotaConfig) Timings() (QuotaTimings, error) {
	var t QuotaTimings
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"token_expiry", q.TokenExpiry, &t.TokenExpiry},
		{"renewal_threshold", q.RenewalThreshold, &t.RenewalThreshold},
		{"heartbeat_interval", q.HeartbeatInterval, &t.HeartbeatInterval},
		{"warning_threshold", q.WarningThreshold, &t.WarningThreshold},
		{"min_session_duration", q.MinSessionDuration, &t.MinSessionDuration},
		{"max_session_duration", q.MaxSessionDuration, &t.MaxSessionDuration},
		{"sweep_interval", q.SweepInterval, &t.SweepInterval},
		{"limits_cache_ttl", q.LimitsCacheTTL, &t.LimitsCacheTTL},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return QuotaTimings{}, fmt.Errorf("invalid quota.%s %q: %w", f.name, f.value, err)
		}
		if d <= 0 {
			return QuotaTimings{}, fmt.Errorf("quota.%s must be positive, got %s", f.name, f.value)
		}
		*f.dst = d
	}
	return t, nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate required fields
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	for name, value := range map[string]string{
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	// Validate storage
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}
	switch cfg.Storage.Type {
	case "sqlite", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q (want sqlite, bolt or redis)", cfg.Storage.Type)
	}
	if cfg.Storage.FallbackPath == "" {
		return fmt.Errorf("storage fallback_path is required")
	}

	// Validate quota
	switch cfg.Quota.Period {
	case "month", "day":
	default:
		return fmt.Errorf("unknown quota period %q (want month or day)", cfg.Quota.Period)
	}
	if cfg.Quota.DefaultPeriodLimitSeconds < 0 || cfg.Quota.DefaultSessionLimitSeconds < 0 {
		return fmt.Errorf("default quota limits must not be negative")
	}
	if cfg.Quota.DefaultMaxConcurrentSessions <= 0 {
		return fmt.Errorf("quota.default_max_concurrent_sessions must be positive")
	}
	timings, err := cfg.Quota.Timings()
	if err != nil {
		return err
	}
	if timings.MinSessionDuration > timings.MaxSessionDuration {
		return fmt.Errorf("quota.min_session_duration (%s) exceeds quota.max_session_duration (%s)",
			timings.MinSessionDuration, timings.MaxSessionDuration)
	}
	if timings.RenewalThreshold >= timings.TokenExpiry {
		return fmt.Errorf("quota.renewal_threshold (%s) must be shorter than quota.token_expiry (%s)",
			timings.RenewalThreshold, timings.TokenExpiry)
	}
	if cfg.Quota.LimitsCacheSize <= 0 {
		return fmt.Errorf("quota.limits_cache_size must be positive")
	}

	if cfg.Admin.RateLimit < 0 || cfg.Admin.RateLimitBurst < 0 {
		return fmt.Errorf("admin rate limits must not be negative")
	}

	return nil
}
