// Package config loads orchestrator configuration from the environment and
// an optional wave.yaml file. Environment keys carry the WAVE prefix; the
// bare REDIS_URL, DATABASE_URL, and POSTGRES_* names are honored as aliases
// for deployments that export the conventional forms.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied before file and environment values are merged in.
const (
	DefaultProject           = "wave"
	DefaultEmergencyStopFile = ".claude/EMERGENCY-STOP"
	DefaultPlanFile          = "wave.plan.yaml"
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultPostgresPort      = 5432
	DefaultPostgresUser      = "postgres"
	DefaultPostgresDatabase  = "wave"
	DefaultHTTPAddr          = ":8080"
	DefaultMaxRetries        = 3
	DefaultRequiredCoverage  = 0.8
	DefaultBlockThreshold    = 0.85
	DefaultAdvisorProvider   = "anthropic"
	DefaultAdvisorTimeout    = 60 * time.Second
	DefaultAdvisorPerMinute  = 30.0
	DefaultHeartbeatEvery    = 30 * time.Second
	DefaultDequeueTimeout    = 10 * time.Second
)

// Config is the top-level configuration struct for the wave orchestrator.
// Field tags use mapstructure for viper unmarshalling and validate for
// go-playground/validator checks.
type Config struct {
	// Project tags every channel name so several projects can share one
	// Redis instance.
	Project string `mapstructure:"project" validate:"required"`
	// Distributed dispatches work through the task queue instead of
	// running phases inline.
	Distributed bool `mapstructure:"distributed"`
	// EmergencyStopFile is the stop-marker path watched by the latch.
	EmergencyStopFile string `mapstructure:"emergency_stop_file" validate:"required"`
	// PlanFile is the wave plan document consumed at session start.
	PlanFile string `mapstructure:"plan_file" validate:"required"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Advisor  AdvisorConfig  `mapstructure:"advisor"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
}

// RedisConfig locates the stream broker.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// PostgresConfig locates the relational store. Either URL or the discrete
// POSTGRES_* parts may be set; when both are empty the orchestrator runs on
// the in-memory store.
type PostgresConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=0,max=65535"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// EngineConfig tunes the story execution engine.
type EngineConfig struct {
	MaxRetries       int     `mapstructure:"max_retries" validate:"min=0"`
	RequiredCoverage float64 `mapstructure:"required_coverage" validate:"gte=0,lte=1"`
}

// BudgetConfig supplies session budget defaults. Zero limits mean
// unlimited. SoftMode turns exceeded budgets into alerts instead of
// denials; the default is the hard-limit mode.
type BudgetConfig struct {
	TokenLimit   int64   `mapstructure:"token_limit" validate:"min=0"`
	CostLimitUSD float64 `mapstructure:"cost_limit_usd" validate:"gte=0"`
	SoftMode     bool    `mapstructure:"soft_mode"`
}

// SafetyConfig tunes the constitutional scorer.
type SafetyConfig struct {
	BlockThreshold float64 `mapstructure:"block_threshold" validate:"gte=0,lte=1"`
}

// AdvisorConfig selects and bounds the advisory model.
type AdvisorConfig struct {
	Provider  string        `mapstructure:"provider" validate:"omitempty,oneof=anthropic openai"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"min=0"`
	PerMinute float64       `mapstructure:"per_minute" validate:"gte=0"`
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	HeartbeatEvery time.Duration `mapstructure:"heartbeat_every" validate:"min=0"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout" validate:"min=0"`
}

// WorktreeConfig locates the per-domain worktree root. Empty means the
// manager's default under the repository.
type WorktreeConfig struct {
	Root string `mapstructure:"root"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks Config invariants via struct tags.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// Enabled reports whether a relational store is configured.
func (p PostgresConfig) Enabled() bool {
	return p.URL != "" || p.Host != ""
}

// DSN returns the connection string: the explicit URL when set, otherwise a
// postgres:// URL composed from the discrete parts. Empty when no store is
// configured.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	switch {
	case p.User != "" && p.Password != "":
		u.User = url.UserPassword(p.User, p.Password)
	case p.User != "":
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", p.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
