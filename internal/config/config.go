// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names shared by several sections.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverStatic   = "static"
	DriverLog      = "log"
	DriverNATS     = "nats"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Store         StoreConfig         `yaml:"store"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Audit         AuditConfig         `yaml:"audit"`
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
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CatalogConfig lists directories holding stage catalog YAML files. When no
// directory is configured the built-in catalog is used.
type CatalogConfig struct {
	Directories []string `yaml:"directories"`
}

// AuthorizationConfig controls the role gate.
type AuthorizationConfig struct {
	DirectoryFallback bool   `yaml:"directory_fallback"`
	AdminRole         string `yaml:"admin_role"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// DirectoryConfig describes where users and roles are resolved from.
type DirectoryConfig struct {
	Driver string      `yaml:"driver"`
	File   string      `yaml:"file"`
	Cache  CacheConfig `yaml:"cache"`
}

// CacheConfig describes a lookup cache.
type CacheConfig struct {
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
}

// NotifierConfig describes notification delivery.
type NotifierConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"nats_url"`
	NATSURLEnv    string `yaml:"nats_url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuditConfig describes where audit records are written.
type AuditConfig struct {
	Driver string `yaml:"driver"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel      string        `yaml:"log_level"`
	EffectTimeout time.Duration `yaml:"effect_timeout"`
	Tracing       TracingConfig `yaml:"tracing"`
	Metrics       MetricsConfig `yaml:"metrics"`
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
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"role":       "role",
			},
		},
		Authorization: AuthorizationConfig{
			DirectoryFallback: true,
			AdminRole:         "Admin",
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "SIGNOFF_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Directory: DirectoryConfig{
			Driver: DriverStatic,
			Cache: CacheConfig{
				Driver:  DriverMemory,
				TTL:     5 * time.Minute,
				AddrEnv: "SIGNOFF_REDIS_ADDR",
			},
		},
		Notifier: NotifierConfig{
			Driver:        DriverLog,
			NATSURLEnv:    "SIGNOFF_NATS_URL",
			SubjectPrefix: "signoff.notifications",
		},
		Audit: AuditConfig{
			Driver: DriverLog,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     DriverMemory,
			AddrEnv:    "SIGNOFF_REDIS_ADDR",
			DefaultTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EffectTimeout: 5 * time.Second,
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

// Load layers the YAML file at path over Defaults, then SIGNOFF_*
// environment variables over that, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	p.check(c.Identity.Issuer != "", "identity.issuer is required")
	p.check(c.Identity.JWKSURL != "", "identity.jwks_url is required")
	p.check(c.Identity.Audience != "", "identity.audience is required")
	p.check(c.Authorization.AdminRole != "", "authorization.admin_role is required")

	p.oneOf("store.driver", c.Store.Driver, DriverMemory, DriverPostgres)
	p.oneOf("directory.driver", c.Directory.Driver, DriverStatic, DriverPostgres)
	p.oneOf("directory.cache.driver", c.Directory.Cache.Driver, DriverMemory, DriverRedis)
	p.oneOf("notifier.driver", c.Notifier.Driver, DriverLog, DriverNATS)
	p.oneOf("audit.driver", c.Audit.Driver, DriverLog, DriverPostgres)
	p.oneOf("idempotency.driver", c.Idempotency.Driver, DriverMemory, DriverRedis)

	p.check(c.Directory.Driver != DriverStatic || c.Directory.File != "",
		"directory.file is required when directory.driver is static")

	// Tables backing the directory and audit trail live in the workflow database.
	onPostgres := c.Store.Driver == DriverPostgres
	p.check(onPostgres || c.Directory.Driver != DriverPostgres, "directory.driver postgres requires store.driver postgres")
	p.check(onPostgres || c.Audit.Driver != DriverPostgres, "audit.driver postgres requires store.driver postgres")

	p.check(c.Observability.EffectTimeout > 0, "observability.effect_timeout must be positive")

	return p.err()
}

type problems []string

func (p *problems) check(ok bool, msg string) {
	if !ok {
		*p = append(*p, msg)
	}
}

func (p *problems) oneOf(field, value string, allowed ...string) {
	p.check(slices.Contains(allowed, value),
		fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return errors.New(strings.Join(p, "; "))
}

// envOverrides lists the settings most often changed per deployment.
// Unparseable values are ignored.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"SIGNOFF_SERVER_PORT", func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}},
	{"SIGNOFF_IDENTITY_ISSUER", func(c *Config, v string) { c.Identity.Issuer = v }},
	{"SIGNOFF_IDENTITY_JWKS_URL", func(c *Config, v string) { c.Identity.JWKSURL = v }},
	{"SIGNOFF_IDENTITY_AUDIENCE", func(c *Config, v string) { c.Identity.Audience = v }},
	{"SIGNOFF_OBSERVABILITY_LOG_LEVEL", func(c *Config, v string) { c.Observability.LogLevel = v }},
	{"SIGNOFF_STORE_DRIVER", func(c *Config, v string) { c.Store.Driver = v }},
	{"SIGNOFF_DIRECTORY_DRIVER", func(c *Config, v string) { c.Directory.Driver = v }},
	{"SIGNOFF_NOTIFIER_DRIVER", func(c *Config, v string) { c.Notifier.Driver = v }},
	{"SIGNOFF_IDEMPOTENCY_DRIVER", func(c *Config, v string) { c.Idempotency.Driver = v }},
	{"SIGNOFF_AUTHORIZATION_DIRECTORY_FALLBACK", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Authorization.DirectoryFallback = b
		}
	}},
}
