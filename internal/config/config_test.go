package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admission.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.RateLimit.Backend != "redis" {
		t.Errorf("RateLimit.Backend = %q, want redis", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.StoreTimeout != 50*time.Millisecond {
		t.Errorf("RateLimit.StoreTimeout = %v, want 50ms", cfg.RateLimit.StoreTimeout)
	}
	if len(cfg.RateLimit.Tiers) != 3 || cfg.RateLimit.DefaultTier != "free" {
		t.Errorf("default tiers = %+v, default %q", cfg.RateLimit.Tiers, cfg.RateLimit.DefaultTier)
	}
	if cfg.Redis.GetRedisAddr() != "localhost:6379" {
		t.Errorf("GetRedisAddr() = %q", cfg.Redis.GetRedisAddr())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  log_level: debug
rate_limit:
  backend: memory
  default_tier: free
  store_timeout: 20ms
  tiers:
    - name: free
      window_ms: 60000
      max_requests: 3
    - name: premium
      window_ms: 60000
      max_requests: 100
      block_duration_ms: 1000
  endpoints:
    - endpoint: auth
      window_ms: 900000
      max_requests: 5
      block_duration_ms: 900000
    - endpoint: upload
      tier: premium
      max_requests: 10
gate:
  critical_paths: ["/api/payments/webhook"]
  exempt_roles: ["admin"]
  endpoint_prefixes:
    - prefix: /api/auth
      endpoint: auth
    - prefix: /api/upload
      endpoint: upload
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.LogLevel != "debug" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.RateLimit.StoreTimeout != 20*time.Millisecond {
		t.Errorf("StoreTimeout = %v, want 20ms", cfg.RateLimit.StoreTimeout)
	}
	if cfg.Gate.PrefixMap()["/api/auth"] != "auth" {
		t.Errorf("EndpointPrefixes = %v", cfg.Gate.EndpointPrefixes)
	}
	// Defaults fill what the file leaves out
	if len(cfg.Gate.HealthPaths) == 0 || cfg.Analytics.Capacity != 10_000 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Gate, cfg.Analytics)
	}

	reg, err := cfg.RateLimit.Registry()
	if err != nil {
		t.Fatalf("Registry() error: %v", err)
	}
	upload, ok := reg.ResolveEndpointPolicy("upload")
	if !ok || upload.WindowMs != 60_000 || upload.BlockDurationMs != 1000 {
		t.Errorf("upload policy = %+v, want window and block inherited from premium", upload)
	}
}

func TestLoad_EndpointPrefixesKeepCaseAndDots(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  backend: memory
  endpoints:
    - endpoint: auth
      window_ms: 60000
      max_requests: 5
    - endpoint: upload
      window_ms: 60000
      max_requests: 10
gate:
  endpoint_prefixes:
    - prefix: /API/Upload
      endpoint: upload
    - prefix: /api/v1.2/auth
      endpoint: auth
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := map[string]string{"/API/Upload": "upload", "/api/v1.2/auth": "auth"}
	got := cfg.Gate.PrefixMap()
	if len(got) != len(want) {
		t.Fatalf("PrefixMap() = %v, want %v", got, want)
	}
	for prefix, endpoint := range want {
		if got[prefix] != endpoint {
			t.Errorf("PrefixMap()[%q] = %q, want %q", prefix, got[prefix], endpoint)
		}
	}
}

func TestBindEnvKeys(t *testing.T) {
	t.Setenv("ADMISSION_ANALYTICS_CAPACITY", "42")

	v, err := newViper("")
	if err != nil {
		t.Fatalf("newViper() error: %v", err)
	}
	if got := v.GetInt("analytics.capacity"); got != 42 {
		t.Errorf("analytics.capacity = %d, want 42 from env", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  backend: redis
`)
	t.Setenv("ADMISSION_RATE_LIMIT_BACKEND", "memory")
	t.Setenv("ADMISSION_SERVER_PORT", "7070")
	t.Setenv("ADMISSION_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("ADMISSION_RATE_LIMIT_STORE_TIMEOUT", "75ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.RateLimit.Backend)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("Port = %q, want 7070", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret not read from env")
	}
	if cfg.RateLimit.StoreTimeout != 75*time.Millisecond {
		t.Errorf("StoreTimeout = %v, want 75ms", cfg.RateLimit.StoreTimeout)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() of a missing explicit file succeeded")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.RateLimit.Backend = "etcd" },
			wantErr: "Backend",
		},
		{
			name:    "unknown default tier",
			mutate:  func(c *Config) { c.RateLimit.DefaultTier = "gold" },
			wantErr: "unknown tier",
		},
		{
			name: "duplicate tier",
			mutate: func(c *Config) {
				c.RateLimit.Tiers = append(c.RateLimit.Tiers, TierConfig{Name: "FREE", WindowMs: 1000, MaxRequests: 1})
			},
			wantErr: "duplicate tier",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.RateLimit.Tiers[0].WindowMs = 0 },
			wantErr: "WindowMs",
		},
		{
			name: "endpoint without window or tier",
			mutate: func(c *Config) {
				c.RateLimit.Endpoints = []EndpointConfig{{Endpoint: "auth", MaxRequests: 5}}
			},
			wantErr: "window_ms",
		},
		{
			name: "endpoint with unknown tier",
			mutate: func(c *Config) {
				c.RateLimit.Endpoints = []EndpointConfig{{Endpoint: "auth", Tier: "gold", MaxRequests: 5}}
			},
			wantErr: "unknown tier",
		},
		{
			name:    "archive without postgres",
			mutate:  func(c *Config) { c.Analytics.Archive = true },
			wantErr: "postgres.dsn",
		},
		{
			name:    "relative endpoint prefix",
			mutate:  func(c *Config) { c.Gate.EndpointPrefixes = []EndpointPrefixConfig{{Prefix: "api/auth", Endpoint: "auth"}} },
			wantErr: "must start with '/'",
		},
		{
			name: "duplicate endpoint prefix",
			mutate: func(c *Config) {
				c.Gate.EndpointPrefixes = []EndpointPrefixConfig{
					{Prefix: "/api/auth", Endpoint: "auth"},
					{Prefix: "/api/auth", Endpoint: "upload"},
				}
			},
			wantErr: "duplicate prefix",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "LogLevel",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
