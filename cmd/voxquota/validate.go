package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/voxquota/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the voxquota configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if cfg.Quota.TokenSecret == "" {
		color.New(color.FgYellow).Fprintln(os.Stdout, "\n⚠️  quota.token_secret is empty: session tokens will not survive a restart")
	}
	if cfg.Admin.Token == "" {
		color.New(color.FgYellow).Fprintln(os.Stdout, "⚠️  admin.token is empty: the admin API is disabled")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(os.Stdout, cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(w, name, value, defaultValue, yellow, green)
	}

	// Server
	_, _ = cyan.Fprintln(w, "\n[server]")
	field("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress)
	field("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort)
	field("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort)
	field("  read_timeout", cfg.Server.ReadTimeout, defaultCfg.Server.ReadTimeout)
	field("  write_timeout", cfg.Server.WriteTimeout, defaultCfg.Server.WriteTimeout)

	// Storage
	_, _ = cyan.Fprintln(w, "\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	field("  fallback_path", cfg.Storage.FallbackPath, defaultCfg.Storage.FallbackPath)
	_, _ = cyan.Fprintln(w, "  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)

	// Logging
	_, _ = cyan.Fprintln(w, "\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	// Quota
	_, _ = cyan.Fprintln(w, "\n[quota]")
	field("  period", cfg.Quota.Period, defaultCfg.Quota.Period)
	field("  default_period_limit_seconds", cfg.Quota.DefaultPeriodLimitSeconds, defaultCfg.Quota.DefaultPeriodLimitSeconds)
	field("  default_session_limit_seconds", cfg.Quota.DefaultSessionLimitSeconds, defaultCfg.Quota.DefaultSessionLimitSeconds)
	field("  default_max_concurrent_sessions", cfg.Quota.DefaultMaxConcurrentSessions, defaultCfg.Quota.DefaultMaxConcurrentSessions)
	field("  token_expiry", cfg.Quota.TokenExpiry, defaultCfg.Quota.TokenExpiry)
	field("  renewal_threshold", cfg.Quota.RenewalThreshold, defaultCfg.Quota.RenewalThreshold)
	field("  heartbeat_interval", cfg.Quota.HeartbeatInterval, defaultCfg.Quota.HeartbeatInterval)
	field("  warning_threshold", cfg.Quota.WarningThreshold, defaultCfg.Quota.WarningThreshold)
	field("  min_session_duration", cfg.Quota.MinSessionDuration, defaultCfg.Quota.MinSessionDuration)
	field("  max_session_duration", cfg.Quota.MaxSessionDuration, defaultCfg.Quota.MaxSessionDuration)
	field("  sweep_interval", cfg.Quota.SweepInterval, defaultCfg.Quota.SweepInterval)
	field("  token_secret", redactSecret(cfg.Quota.TokenSecret), redactSecret(defaultCfg.Quota.TokenSecret))
	field("  limits_cache_size", cfg.Quota.LimitsCacheSize, defaultCfg.Quota.LimitsCacheSize)
	field("  limits_cache_ttl", cfg.Quota.LimitsCacheTTL, defaultCfg.Quota.LimitsCacheTTL)

	// Admin
	_, _ = cyan.Fprintln(w, "\n[admin]")
	field("  token", redactSecret(cfg.Admin.Token), redactSecret(defaultCfg.Admin.Token))
	field("  rate_limit", cfg.Admin.RateLimit, defaultCfg.Admin.RateLimit)
	field("  rate_limit_burst", cfg.Admin.RateLimitBurst, defaultCfg.Admin.RateLimitBurst)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Fprintln(w, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Fprintf(w, "%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Fprintf(w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
