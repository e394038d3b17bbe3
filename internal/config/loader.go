package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "wave"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for wave settings.
const envPrefix = "WAVE"

// Load builds the configuration from defaults, an optional config file, and
// the environment, in ascending precedence. If configPath is non-empty it
// names the config file explicitly and must exist; otherwise wave.yaml is
// searched in the working directory and missing is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// bindEnvAliases honors the bare environment names alongside the prefixed
// forms. The prefixed name wins when both are set.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("redis.url", "WAVE_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("postgres.url", "WAVE_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("postgres.host", "WAVE_POSTGRES_HOST", "POSTGRES_HOST")
	_ = v.BindEnv("postgres.port", "WAVE_POSTGRES_PORT", "POSTGRES_PORT")
	_ = v.BindEnv("postgres.user", "WAVE_POSTGRES_USER", "POSTGRES_USER")
	_ = v.BindEnv("postgres.password", "WAVE_POSTGRES_PASSWORD", "POSTGRES_PASSWORD")
	_ = v.BindEnv("postgres.database", "WAVE_POSTGRES_DATABASE", "POSTGRES_DB")
}

// applyDefaults registers every key so AutomaticEnv can surface overrides
// through Unmarshal.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("project", DefaultProject)
	v.SetDefault("distributed", false)
	v.SetDefault("emergency_stop_file", DefaultEmergencyStopFile)
	v.SetDefault("plan_file", DefaultPlanFile)

	v.SetDefault("redis.url", DefaultRedisURL)

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", DefaultPostgresPort)
	v.SetDefault("postgres.user", DefaultPostgresUser)
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", DefaultPostgresDatabase)
	v.SetDefault("postgres.sslmode", "")

	v.SetDefault("http.addr", DefaultHTTPAddr)

	v.SetDefault("engine.max_retries", DefaultMaxRetries)
	v.SetDefault("engine.required_coverage", DefaultRequiredCoverage)

	v.SetDefault("budget.token_limit", 0)
	v.SetDefault("budget.cost_limit_usd", 0.0)
	v.SetDefault("budget.soft_mode", false)

	v.SetDefault("safety.block_threshold", DefaultBlockThreshold)

	v.SetDefault("advisor.provider", DefaultAdvisorProvider)
	v.SetDefault("advisor.model", "")
	v.SetDefault("advisor.timeout", DefaultAdvisorTimeout)
	v.SetDefault("advisor.per_minute", DefaultAdvisorPerMinute)

	v.SetDefault("worker.heartbeat_every", DefaultHeartbeatEvery)
	v.SetDefault("worker.dequeue_timeout", DefaultDequeueTimeout)

	v.SetDefault("worktree.root", "")
}
