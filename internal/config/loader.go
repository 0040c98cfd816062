package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix   = "ADMISSION"
	defaultName = "admission"
)

// Reads configFile (or admission.yaml from the working directory or
// /etc/admission), applies ADMISSION_* environment overrides and defaults,
// then validates. Only an explicitly named config file is required to exist.
func Load(configFile string) (*Config, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configFile == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(defaultName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/admission")
	}

	// ADMISSION_RATE_LIMIT_BACKEND overrides rate_limit.backend
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := bindEnvKeys(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Scalar keys only. Lists and maps (tiers, endpoints, gate paths) come from the file.
func bindEnvKeys(v *viper.Viper) error {
	for _, key := range []string{
		"server.port",
		"server.log_level",
		"server.shutdown_timeout",
		"redis.host",
		"redis.port",
		"redis.password",
		"redis.db",
		"postgres.dsn",
		"postgres.sync_interval",
		"auth.jwt_secret",
		"auth.expiry_hours",
		"rate_limit.backend",
		"rate_limit.default_tier",
		"rate_limit.store_timeout",
		"rate_limit.sweep_interval",
		"rate_limit.breaker.enabled",
		"rate_limit.breaker.max_failures",
		"rate_limit.breaker.open_timeout",
		"analytics.capacity",
		"analytics.archive",
		"analytics.archive_queue",
		"analytics.retention_days",
	} {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}
