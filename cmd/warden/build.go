package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rhuss/warden/pkg/audit"
	"github.com/rhuss/warden/pkg/audit/memory"
	"github.com/rhuss/warden/pkg/audit/postgres"
	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/authn/apikey"
	"github.com/rhuss/warden/pkg/authn/jwt"
	ldapauthn "github.com/rhuss/warden/pkg/authn/ldap"
	"github.com/rhuss/warden/pkg/authn/sqlpassword"
	"github.com/rhuss/warden/pkg/authn/static"
	"github.com/rhuss/warden/pkg/authn/throttle"
	"github.com/rhuss/warden/pkg/authn/x509cert"
	"github.com/rhuss/warden/pkg/config"
	"github.com/rhuss/warden/pkg/observability"
)

// app holds everything built from a configuration.
type app struct {
	resolver *authn.Resolver
	store    audit.Store
	closers  []func()
}

// Close releases pools and stores in reverse creation order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newLogger returns a slog logger writing to w in the configured format.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// build wires handlers, the audit chain and the resolver from cfg.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	handlers := make([]authn.Handler, 0, len(cfg.Handlers))
	for i, hc := range cfg.Handlers {
		h, closer, err := buildHandler(ctx, hc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("handlers[%d] (%s): %w", i, hc.EffectiveName(), err)
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		if hc.Throttle.MaxFailures > 0 {
			h = throttle.Wrap(h, throttle.Config{
				MaxFailures: hc.Throttle.MaxFailures,
				Window:      hc.Throttle.Window,
			})
		}
		handlers = append(handlers, h)
	}

	reg, err := authn.NewRegistry(handlers...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	store, err := buildStore(ctx, cfg.Audit.Store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating audit store: %w", err)
	}
	if store != nil {
		a.store = store
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing audit store", "error", err)
			}
		})
	}

	policy, err := authn.ParsePolicy(cfg.Resolver.Policy)
	if err != nil {
		a.Close()
		return nil, err
	}

	var auditors []authn.Auditor
	if cfg.Audit.Log {
		auditors = append(auditors, audit.Logger{})
	}
	if store != nil {
		auditors = append(auditors, audit.StoreAuditor{Store: store})
	}
	if cfg.Observability.Metrics.Enabled {
		auditors = append(auditors, observability.Auditor{})
	}

	a.resolver, err = authn.NewResolver(reg, authn.ResolverConfig{
		Policy:         policy,
		HandlerTimeout: cfg.Resolver.HandlerTimeout,
		Auditor:        audit.Multi(auditors...),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating resolver: %w", err)
	}

	slog.Debug("resolver ready", "policy", policy, "handlers", reg.Names(), "audit_store", cfg.Audit.Store.Type)
	return a, nil
}

// buildHandler constructs one handler. The returned closer may be nil.
func buildHandler(ctx context.Context, hc config.HandlerConfig) (authn.Handler, func(), error) {
	name := hc.EffectiveName()

	switch hc.Type {
	case config.HandlerStatic:
		users := make([]static.User, 0, len(hc.Static.Users))
		for _, u := range hc.Static.Users {
			users = append(users, static.User{
				Username:     u.Username,
				PasswordHash: u.PasswordHash,
				Attributes:   u.Attributes,
			})
		}
		h, err := static.New(static.Config{Name: name, Users: users})
		return h, nil, err

	case config.HandlerAPIKey:
		keys := make([]apikey.RawKeyEntry, 0, len(hc.APIKey.Keys))
		for _, k := range hc.APIKey.Keys {
			keys = append(keys, apikey.RawKeyEntry{
				Key:        k.Key,
				Subject:    k.Subject,
				Attributes: k.Attributes,
			})
		}
		return apikey.New(apikey.Config{Name: name, Prefix: hc.APIKey.Prefix, Keys: keys}), nil, nil

	case config.HandlerJWT:
		return jwt.New(jwt.Config{
			Name:        name,
			Issuer:      hc.JWT.Issuer,
			Audience:    hc.JWT.Audience,
			JWKSURL:     hc.JWT.JWKSURL,
			UserClaim:   hc.JWT.UserClaim,
			TenantClaim: hc.JWT.TenantClaim,
			ScopesClaim: hc.JWT.ScopesClaim,
			CacheTTL:    hc.JWT.CacheTTL,

			MinRefreshInterval: hc.JWT.MinRefreshInterval,
		}), nil, nil

	case config.HandlerLDAP:
		var caBundle []byte
		if hc.LDAP.CABundleFile != "" {
			data, err := os.ReadFile(hc.LDAP.CABundleFile)
			if err != nil {
				return nil, nil, fmt.Errorf("reading CA bundle: %w", err)
			}
			caBundle = data
		}
		h, err := ldapauthn.New(ldapauthn.Config{
			Name:         name,
			Host:         hc.LDAP.Host,
			CABundle:     caBundle,
			BindUsername: hc.LDAP.BindUsername,
			BindPassword: hc.LDAP.BindPassword,
			UserSearch: ldapauthn.UserSearch{
				Base:              hc.LDAP.UserSearch.Base,
				Filter:            hc.LDAP.UserSearch.Filter,
				UsernameAttribute: hc.LDAP.UserSearch.UsernameAttribute,
				UIDAttribute:      hc.LDAP.UserSearch.UIDAttribute,
			},
		})
		return h, nil, err

	case config.HandlerSQL:
		h, err := sqlpassword.New(ctx, sqlpassword.Config{
			Name:     name,
			DSN:      hc.SQL.DSN,
			MaxConns: hc.SQL.MaxConns,
			Query:    hc.SQL.Query,
		})
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil

	case config.HandlerX509:
		caBundle, err := os.ReadFile(hc.X509.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA file: %w", err)
		}
		h, err := x509cert.New(x509cert.Config{
			Name:           name,
			CABundle:       caBundle,
			RevokedSerials: hc.X509.RevokedSerials,
		})
		return h, nil, err

	default:
		return nil, nil, fmt.Errorf("unknown handler type %q", hc.Type)
	}
}

// buildStore returns the configured audit store, or nil for "none".
func buildStore(ctx context.Context, cfg config.AuditStoreConfig) (audit.Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.New("unknown audit store type " + cfg.Type)
	}
}
