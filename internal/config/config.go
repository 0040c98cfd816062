// Package config holds the process configuration for the admission gateway.
// Values come from admission.yaml and ADMISSION_* environment variables.
package config

import (
	"time"

	"github.com/aman-churiwal/admission-control/internal/policy"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Gate      GateConfig      `mapstructure:"gate"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required,numeric"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=15"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

// Optional. Without a DSN admin changes stay in process and nothing is archived.
type PostgresConfig struct {
	DSN          string        `mapstructure:"dsn"`
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"gte=0"`
}

// Optional. Without a secret every caller is anonymous and /admin is open.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	ExpiryHours int    `mapstructure:"expiry_hours" validate:"gte=0"`
}

type RateLimitConfig struct {
	// "redis" for a shared store, "memory" for a single instance
	Backend      string           `mapstructure:"backend" validate:"oneof=redis memory"`
	DefaultTier  string           `mapstructure:"default_tier" validate:"required"`
	Tiers        []TierConfig     `mapstructure:"tiers" validate:"required,min=1,dive"`
	Endpoints    []EndpointConfig `mapstructure:"endpoints" validate:"omitempty,dive"`
	StoreTimeout time.Duration    `mapstructure:"store_timeout" validate:"gt=0"`
	Breaker      BreakerConfig    `mapstructure:"breaker"`

	// How often expired overrides are evicted from memory
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
}

type TierConfig struct {
	Name            string `mapstructure:"name" validate:"required"`
	WindowMs        int64  `mapstructure:"window_ms" validate:"gt=0"`
	MaxRequests     int    `mapstructure:"max_requests" validate:"gte=1"`
	BlockDurationMs int64  `mapstructure:"block_duration_ms" validate:"gte=0"`
}

type EndpointConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"required"`
	Tier            string `mapstructure:"tier"`
	WindowMs        int64  `mapstructure:"window_ms" validate:"gte=0"`
	MaxRequests     int    `mapstructure:"max_requests" validate:"gte=1"`
	BlockDurationMs int64  `mapstructure:"block_duration_ms" validate:"gte=0"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures int           `mapstructure:"max_failures" validate:"gte=0"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gte=0"`
}

type GateConfig struct {
	HealthPaths    []string `mapstructure:"health_paths"`
	StaticPrefixes []string `mapstructure:"static_prefixes"`
	CriticalPaths  []string `mapstructure:"critical_paths"`
	ExemptRoles    []string `mapstructure:"exempt_roles"`

	// A list rather than a map: viper lowercases map keys and splits them on '.'
	EndpointPrefixes []EndpointPrefixConfig `mapstructure:"endpoint_prefixes" validate:"dive"`
}

// Routes requests under Prefix to the endpoint policy named Endpoint
type EndpointPrefixConfig struct {
	Prefix   string `mapstructure:"prefix" validate:"required,startswith=/"`
	Endpoint string `mapstructure:"endpoint" validate:"required"`
}

// Prefix to endpoint name, as the gate consumes it
func (g GateConfig) PrefixMap() map[string]string {
	out := make(map[string]string, len(g.EndpointPrefixes))
	for _, p := range g.EndpointPrefixes {
		out[p.Prefix] = p.Endpoint
	}
	return out
}

type AnalyticsConfig struct {
	Capacity int `mapstructure:"capacity" validate:"gte=1"`

	// Archive decisions to Postgres. Requires postgres.dsn.
	Archive       bool `mapstructure:"archive"`
	ArchiveQueue  int  `mapstructure:"archive_queue" validate:"gte=0"`
	RetentionDays int  `mapstructure:"retention_days" validate:"gte=0"`
}

// Fills every unset optional field
func (c *Config) SetDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}

	if c.Postgres.SyncInterval == 0 {
		c.Postgres.SyncInterval = 30 * time.Second
	}

	if c.Auth.ExpiryHours == 0 {
		c.Auth.ExpiryHours = 24
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "redis"
	}
	if len(c.RateLimit.Tiers) == 0 {
		c.RateLimit.Tiers = []TierConfig{
			{Name: "free", WindowMs: 60_000, MaxRequests: 100},
			{Name: "premium", WindowMs: 60_000, MaxRequests: 1000},
			{Name: "admin", WindowMs: 60_000, MaxRequests: 10_000},
		}
	}
	if c.RateLimit.DefaultTier == "" {
		c.RateLimit.DefaultTier = "free"
	}
	if c.RateLimit.StoreTimeout == 0 {
		c.RateLimit.StoreTimeout = 50 * time.Millisecond
	}
	if c.RateLimit.Breaker.MaxFailures == 0 {
		c.RateLimit.Breaker.MaxFailures = 5
	}
	if c.RateLimit.Breaker.OpenTimeout == 0 {
		c.RateLimit.Breaker.OpenTimeout = 5 * time.Second
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = time.Minute
	}

	if len(c.Gate.HealthPaths) == 0 {
		c.Gate.HealthPaths = []string{"/health", "/metrics"}
	}

	if c.Analytics.Capacity == 0 {
		c.Analytics.Capacity = 10_000
	}
	if c.Analytics.ArchiveQueue == 0 {
		c.Analytics.ArchiveQueue = 1000
	}
	if c.Analytics.RetentionDays == 0 {
		c.Analytics.RetentionDays = 30
	}
}

func (c *RateLimitConfig) Policies() ([]policy.Tier, []policy.EndpointPolicy) {
	tiers := make([]policy.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, policy.Tier{
			Name: t.Name,
			Limits: policy.Limits{
				WindowMs:        t.WindowMs,
				MaxRequests:     t.MaxRequests,
				BlockDurationMs: t.BlockDurationMs,
			},
		})
	}

	endpoints := make([]policy.EndpointPolicy, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		endpoints = append(endpoints, policy.EndpointPolicy{
			Endpoint: e.Endpoint,
			Tier:     e.Tier,
			Limits: policy.Limits{
				WindowMs:        e.WindowMs,
				MaxRequests:     e.MaxRequests,
				BlockDurationMs: e.BlockDurationMs,
			},
		})
	}

	return tiers, endpoints
}

// Builds the policy registry described by the configuration
func (c *RateLimitConfig) Registry() (*policy.Registry, error) {
	tiers, endpoints := c.Policies()
	return policy.NewRegistry(tiers, c.DefaultTier, endpoints)
}
