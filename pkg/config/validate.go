package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// resolver.policy must be a known value.
	switch c.Resolver.Policy {
	case "first-success", "all-must-succeed":
		// valid
	default:
		errs = append(errs, fmt.Errorf("resolver.policy must be \"first-success\" or \"all-must-succeed\", got %q", c.Resolver.Policy))
	}

	if c.Resolver.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("resolver.handler_timeout must be >= 0, got %s", c.Resolver.HandlerTimeout))
	}

	// At least one handler is required.
	if len(c.Handlers) == 0 {
		errs = append(errs, fmt.Errorf("handlers: at least one handler is required"))
	}

	seen := make(map[string]int, len(c.Handlers))
	for i, h := range c.Handlers {
		if prev, ok := seen[h.EffectiveName()]; ok {
			errs = append(errs, fmt.Errorf("handlers[%d].name %q already used by handlers[%d]", i, h.EffectiveName(), prev))
		} else {
			seen[h.EffectiveName()] = i
		}
		errs = append(errs, validateHandler(i, h)...)
	}

	// audit.store.type must be a known value.
	switch c.Audit.Store.Type {
	case "none", "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("audit.store.type must be \"none\", \"memory\", or \"postgres\", got %q", c.Audit.Store.Type))
	}

	if c.Audit.Store.Type == "memory" && c.Audit.Store.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("audit.store.max_size must be > 0, got %d", c.Audit.Store.MaxSize))
	}

	// If audit.store.type is "postgres", DSN or DSNFile must be set.
	if c.Audit.Store.Type == "postgres" {
		if c.Audit.Store.Postgres.DSN == "" && c.Audit.Store.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("audit.store.postgres.dsn or audit.store.postgres.dsn_file is required when audit.store.type is \"postgres\""))
		}
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.level must be \"trace\", \"debug\", \"info\", \"warn\", or \"error\", got %q", c.Logging.Level))
	}

	switch c.Logging.Format {
	case "text", "json":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func validateHandler(i int, h HandlerConfig) []error {
	var errs []error

	if h.Throttle.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("handlers[%d].throttle.max_failures must be >= 0, got %d", i, h.Throttle.MaxFailures))
	}
	if h.Throttle.Window < 0 {
		errs = append(errs, fmt.Errorf("handlers[%d].throttle.window must be >= 0, got %s", i, h.Throttle.Window))
	}

	switch h.Type {
	case HandlerStatic:
		if len(h.Static.Users) == 0 {
			errs = append(errs, fmt.Errorf("handlers[%d].static.users is required", i))
		}
		for j, u := range h.Static.Users {
			if u.Username == "" {
				errs = append(errs, fmt.Errorf("handlers[%d].static.users[%d].username is required", i, j))
			}
			if u.PasswordHash == "" && u.PasswordHashFile == "" {
				errs = append(errs, fmt.Errorf("handlers[%d].static.users[%d].password_hash or password_hash_file is required", i, j))
			}
		}

	case HandlerAPIKey:
		if len(h.APIKey.Keys) == 0 {
			errs = append(errs, fmt.Errorf("handlers[%d].apikey.keys is required", i))
		}
		for j, k := range h.APIKey.Keys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("handlers[%d].apikey.keys[%d].key or key_file is required", i, j))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("handlers[%d].apikey.keys[%d].subject is required", i, j))
			}
		}

	case HandlerJWT:
		if h.JWT.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("handlers[%d].jwt.jwks_url is required", i))
		}
		if h.JWT.CacheTTL < 0 {
			errs = append(errs, fmt.Errorf("handlers[%d].jwt.cache_ttl must be >= 0, got %s", i, h.JWT.CacheTTL))
		}
		if h.JWT.MinRefreshInterval < 0 {
			errs = append(errs, fmt.Errorf("handlers[%d].jwt.min_refresh_interval must be >= 0, got %s", i, h.JWT.MinRefreshInterval))
		}

	case HandlerLDAP:
		if h.LDAP.Host == "" {
			errs = append(errs, fmt.Errorf("handlers[%d].ldap.host is required", i))
		}
		if h.LDAP.UserSearch.Base == "" {
			errs = append(errs, fmt.Errorf("handlers[%d].ldap.user_search.base is required", i))
		}

	case HandlerSQL:
		if h.SQL.DSN == "" && h.SQL.DSNFile == "" {
			errs = append(errs, fmt.Errorf("handlers[%d].sql.dsn or sql.dsn_file is required", i))
		}
		if h.SQL.MaxConns < 0 {
			errs = append(errs, fmt.Errorf("handlers[%d].sql.max_conns must be >= 0, got %d", i, h.SQL.MaxConns))
		}

	case HandlerX509:
		if h.X509.CAFile == "" {
			errs = append(errs, fmt.Errorf("handlers[%d].x509.ca_file is required", i))
		}

	default:
		errs = append(errs, fmt.Errorf("handlers[%d].type must be one of static, apikey, jwt, ldap, sql, x509, got %q", i, h.Type))
	}

	return errs
}
