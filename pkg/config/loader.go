package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, WARDEN_CONFIG env, ./warden.yaml, /etc/warden/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. WARDEN_CONFIG environment variable
// 3. ./warden.yaml in the current directory
// 4. /etc/warden/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"warden.yaml",
		"/etc/warden/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps WARDEN_* environment variables to config fields.
// Unparseable values are ignored with a warning.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_POLICY"); v != "" {
		cfg.Resolver.Policy = v
	}
	if v := os.Getenv("WARDEN_HANDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.HandlerTimeout = d
		} else {
			slog.Warn("ignoring invalid environment variable", "name", "WARDEN_HANDLER_TIMEOUT", "error", err)
		}
	}
	if v := os.Getenv("WARDEN_AUDIT_STORE"); v != "" {
		cfg.Audit.Store.Type = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("WARDEN_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
	if v := os.Getenv("WARDEN_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Metrics.Enabled = b
		} else {
			slog.Warn("ignoring invalid environment variable", "name", "WARDEN_METRICS_ENABLED", "error", err)
		}
	}
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	for i := range cfg.Handlers {
		h := &cfg.Handlers[i]

		// handlers[*].static.users[*].password_hash_file -> password_hash
		for j := range h.Static.Users {
			u := &h.Static.Users[j]
			if err := resolve(&u.PasswordHash, u.PasswordHashFile,
				"handlers[%d].static.users[%d].password_hash_file", i, j); err != nil {
				return err
			}
		}

		// handlers[*].apikey.keys[*].key_file -> key
		for j := range h.APIKey.Keys {
			k := &h.APIKey.Keys[j]
			if err := resolve(&k.Key, k.KeyFile, "handlers[%d].apikey.keys[%d].key_file", i, j); err != nil {
				return err
			}
		}

		// handlers[*].ldap.bind_password_file -> bind_password
		if err := resolve(&h.LDAP.BindPassword, h.LDAP.BindPasswordFile, "handlers[%d].ldap.bind_password_file", i); err != nil {
			return err
		}

		// handlers[*].sql.dsn_file -> dsn
		if err := resolve(&h.SQL.DSN, h.SQL.DSNFile, "handlers[%d].sql.dsn_file", i); err != nil {
			return err
		}
	}

	// audit.store.postgres.dsn_file -> dsn
	return resolve(&cfg.Audit.Store.Postgres.DSN, cfg.Audit.Store.Postgres.DSNFile, "audit.store.postgres.dsn_file")
}

// resolve fills *value from file when value is empty and file is set.
// The field path format and args name the _file field in errors.
func resolve(value *string, file string, format string, args ...any) error {
	if file == "" || *value != "" {
		return nil
	}
	val, err := readSecretFile(file)
	if err != nil {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	*value = val
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
