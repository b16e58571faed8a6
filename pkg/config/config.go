// Package config provides unified configuration for the warden
// authentication core.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (WARDEN_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/rhuss/warden/pkg/debug"
)

// Handler types accepted in handlers[*].type.
const (
	HandlerStatic = "static"
	HandlerAPIKey = "apikey"
	HandlerJWT    = "jwt"
	HandlerLDAP   = "ldap"
	HandlerSQL    = "sql"
	HandlerX509   = "x509"
)

// Config holds all configuration for warden.
type Config struct {
	Resolver      ResolverConfig      `yaml:"resolver"`
	Handlers      []HandlerConfig     `yaml:"handlers"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ResolverConfig holds the policy applied across handlers.
type ResolverConfig struct {
	Policy         string        `yaml:"policy"`          // "first-success" or "all-must-succeed", default: "first-success"
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // default: 5s, 0 disables
}

// HandlerConfig describes one handler. Only the block matching Type is used.
// Handlers are consulted in the order they are listed.
type HandlerConfig struct {
	Type     string         `yaml:"type"`
	Name     string         `yaml:"name"` // default: the type
	Throttle ThrottleConfig `yaml:"throttle"`

	Static StaticConfig `yaml:"static"`
	APIKey APIKeyConfig `yaml:"apikey"`
	JWT    JWTConfig    `yaml:"jwt"`
	LDAP   LDAPConfig   `yaml:"ldap"`
	SQL    SQLConfig    `yaml:"sql"`
	X509   X509Config   `yaml:"x509"`
}

// EffectiveName returns the configured name or, when blank, the type.
func (h HandlerConfig) EffectiveName() string {
	if name := strings.TrimSpace(h.Name); name != "" {
		return name
	}
	return h.Type
}

// ThrottleConfig enables failure throttling when MaxFailures > 0.
type ThrottleConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"` // default: 5m
}

// StaticConfig lists bcrypt-hashed users.
type StaticConfig struct {
	Users []StaticUser `yaml:"users"`
}

// StaticUser describes a single configured account.
type StaticUser struct {
	Username         string            `yaml:"username"`
	PasswordHash     string            `yaml:"password_hash"`
	PasswordHashFile string            `yaml:"password_hash_file"` // _file variant for password_hash
	Attributes       map[string]string `yaml:"attributes"`
}

// APIKeyConfig lists accepted API keys.
type APIKeyConfig struct {
	Prefix string        `yaml:"prefix"`
	Keys   []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry describes a single API key entry.
type APIKeyEntry struct {
	Key        string            `yaml:"key"`
	KeyFile    string            `yaml:"key_file"` // _file variant for key
	Subject    string            `yaml:"subject"`
	Attributes map[string]string `yaml:"attributes"`
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	JWKSURL     string        `yaml:"jwks_url"`
	UserClaim   string        `yaml:"user_claim"`   // default: "sub"
	TenantClaim string        `yaml:"tenant_claim"` // default: "tenant_id"
	ScopesClaim string        `yaml:"scopes_claim"` // default: "scope"
	CacheTTL    time.Duration `yaml:"cache_ttl"`    // default: 1h

	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"` // default: 30s
}

// LDAPConfig holds directory connection and search settings.
type LDAPConfig struct {
	Host             string               `yaml:"host"`
	CABundleFile     string               `yaml:"ca_bundle_file"`
	BindUsername     string               `yaml:"bind_username"`
	BindPassword     string               `yaml:"bind_password"`
	BindPasswordFile string               `yaml:"bind_password_file"` // _file variant for bind_password
	UserSearch       LDAPUserSearchConfig `yaml:"user_search"`
}

// LDAPUserSearchConfig describes how user entries are found.
type LDAPUserSearchConfig struct {
	Base              string `yaml:"base"`
	Filter            string `yaml:"filter"`
	UsernameAttribute string `yaml:"username_attribute"` // default: "uid"
	UIDAttribute      string `yaml:"uid_attribute"`      // default: "dn"
}

// SQLConfig holds the password database settings.
type SQLConfig struct {
	DSN      string `yaml:"dsn"`
	DSNFile  string `yaml:"dsn_file"`  // _file variant for dsn
	MaxConns int32  `yaml:"max_conns"` // default: 10
	Query    string `yaml:"query"`     // default: sqlpassword.DefaultQuery
}

// X509Config holds client certificate verification settings.
type X509Config struct {
	CAFile         string   `yaml:"ca_file"`
	RevokedSerials []string `yaml:"revoked_serials"`
}

// AuditConfig controls where attempt records go.
type AuditConfig struct {
	Log   bool             `yaml:"log"` // default: true
	Store AuditStoreConfig `yaml:"store"`
}

// AuditStoreConfig selects the audit record store.
type AuditStoreConfig struct {
	Type     string         `yaml:"type"`     // "none", "memory" or "postgres", default: "none"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`  // default: true
	Textfile string `yaml:"textfile"` // optional path for textfile collector output
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "trace", "debug", "info", "warn" or "error", default: "info"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories, e.g. "ldap,jwt"
}

// SlogLevel returns the configured level, or slog.LevelInfo if it does not parse.
func (l LoggingConfig) SlogLevel() slog.Level {
	return debug.ParseLevel(l.Level)
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Resolver: ResolverConfig{
			Policy:         "first-success",
			HandlerTimeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			Log: true,
			Store: AuditStoreConfig{
				Type:    "none",
				MaxSize: 10000,
				Postgres: PostgresConfig{
					MaxConns: 10,
				},
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
