// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Events        EventsConfig        `yaml:"events"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	Claims       ClaimsConfig  `yaml:"claims"`
}

// ClaimsConfig names the token claims, as gjson paths, that identify the
// caller. The case owner is the first Owners entry present in the token;
// tokens without one (employees, system accounts) act under Subject.
type ClaimsConfig struct {
	Owners  []OwnerClaim `yaml:"owners"`
	Subject string       `yaml:"subject"`
	Roles   string       `yaml:"roles"`
}

// OwnerClaim maps a claim path to the register its value comes from: bsn
// or kvk.
type OwnerClaim struct {
	Path string `yaml:"path"`
	Kind string `yaml:"kind"`
}

// DefinitionsConfig describes where case definition manifests live and how
// their schemas are compiled.
type DefinitionsConfig struct {
	Directories     []string      `yaml:"directories"`
	ReferenceRoot   string        `yaml:"reference_root"`
	ReloadInterval  time.Duration `yaml:"reload_interval"`
	SchemaCacheSize int           `yaml:"schema_cache_size"`
}

// StoreConfig describes case and definition persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Migrate         bool          `yaml:"migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes case event publication and the status-change
// command consumer.
type EventsConfig struct {
	Driver              string        `yaml:"driver"`
	Brokers             []string      `yaml:"brokers"`
	Topic               string        `yaml:"topic"`
	StatusCommandsTopic string        `yaml:"status_commands_topic"`
	ConsumerGroup       string        `yaml:"consumer_group"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker in front of the broker. A zero
// FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel        string        `yaml:"log_level"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
	Tracing         TracingConfig `yaml:"tracing"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			Claims: ClaimsConfig{
				Owners: []OwnerClaim{
					{Path: "bsn", Kind: "bsn"},
					{Path: "kvk", Kind: "kvk"},
				},
				Subject: "sub",
				Roles:   "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories:     []string{"/definitions"},
			ReferenceRoot:   "file:///definitions/",
			SchemaCacheSize: 256,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CASEPORTAL_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Driver:        "log",
			Topic:         "case-events",
			ConsumerGroup: "caseportal",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "CASEPORTAL_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	for i, o := range c.Identity.Claims.Owners {
		if o.Path == "" {
			errs = append(errs, fmt.Sprintf("identity.claims.owners[%d].path is required", i))
		}
		if o.Kind != "bsn" && o.Kind != "kvk" {
			errs = append(errs, fmt.Sprintf("identity.claims.owners[%d].kind must be bsn or kvk, got %q", i, o.Kind))
		}
	}

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if root := c.Definitions.ReferenceRoot; root != "" {
		if u, err := url.Parse(root); err != nil || !u.IsAbs() {
			errs = append(errs, "definitions.reference_root must be an absolute URI")
		}
	}
	if c.Definitions.ReloadInterval < 0 {
		errs = append(errs, "definitions.reload_interval must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	switch c.Events.Driver {
	case "log", "memory":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, "events.brokers is required for the kafka driver")
		}
		if c.Events.Topic == "" {
			errs = append(errs, "events.topic is required for the kafka driver")
		}
		if c.Events.StatusCommandsTopic != "" && c.Events.ConsumerGroup == "" {
			errs = append(errs, "events.consumer_group is required when status_commands_topic is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q is not supported (log, memory, kafka)", c.Events.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEPORTAL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEPORTAL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEPORTAL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEPORTAL_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CASEPORTAL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CASEPORTAL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEPORTAL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEPORTAL_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("CASEPORTAL_EVENTS_BROKERS"); v != "" {
		cfg.Events.Brokers = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
