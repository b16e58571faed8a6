// Package sqlpassword provides a username/password handler that looks up
// bcrypt password hashes in a PostgreSQL table.
package sqlpassword

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/authn/internal/dummyhash"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "sql"

// DefaultQuery selects the bcrypt hash and disabled flag for a username.
const DefaultQuery = `SELECT password_hash, disabled FROM users WHERE username = $1`

// Config holds the SQL password handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "sql".
	Name string

	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxConns is the maximum number of connections in the pool (default: 10).
	MaxConns int32

	// MaxConnLifetime is the maximum lifetime of a pooled connection (default: 5 minutes).
	MaxConnLifetime time.Duration

	// Query takes the username as $1 and must return exactly two columns:
	// the bcrypt hash (text) and a disabled flag (boolean).
	Query string
}

func (c *Config) defaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
	if c.Query == "" {
		c.Query = DefaultQuery
	}
}

// Querier is the subset of *pgxpool.Pool used by the handler.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Handler verifies username/password credentials against hashes stored in SQL.
type Handler struct {
	name  string
	query string
	db    Querier
	pool  *pgxpool.Pool

	// hashCost is the cost of the last stored hash seen, used for unknown users.
	hashCost atomic.Int32
}

var _ authn.Handler = (*Handler)(nil)

// New creates a pooled handler. The pool is not pinged: an unreachable
// database surfaces as source_unavailable on each attempt instead of
// failing startup.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	h := NewWithQuerier(cfg.Name, cfg.Query, pool)
	h.pool = pool
	return h, nil
}

// NewWithQuerier creates a handler over an existing querier.
func NewWithQuerier(name, query string, db Querier) *Handler {
	if query == "" {
		query = DefaultQuery
	}
	return &Handler{
		name:  authn.NameOrDefault(name, DefaultName),
		query: query,
		db:    db,
	}
}

// Close releases the connection pool if the handler owns one.
func (h *Handler) Close() {
	if h.pool != nil {
		h.pool.Close()
	}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Supports(cred credential.Credential) bool {
	_, ok := cred.(credential.UsernamePassword)
	return ok
}

func (h *Handler) Authenticate(ctx context.Context, cred credential.Credential) (*authn.Principal, error) {
	up, ok := cred.(credential.UsernamePassword)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}
	if up.Username() == "" || up.Password() == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential, nil)
	}

	var (
		hash     string
		disabled bool
	)
	err := h.db.QueryRow(ctx, h.query, up.Username()).Scan(&hash, &disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		dummyhash.Compare(int(h.hashCost.Load()), up.Password())
		debug.Log("sql", "user not found", "handler", h.name, "username", up.Username())
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	}
	if err != nil {
		return nil, authn.Reject(classify(err), fmt.Errorf("looking up user: %w", err))
	}

	if c := dummyhash.Cost([]byte(hash)); c > 0 {
		h.hashCost.Store(int32(c))
	}

	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(up.Password()))
	switch {
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return nil, authn.Reject(authn.ReasonInvalidSecret, nil)
	case err != nil:
		return nil, authn.Reject(authn.ReasonInternal, fmt.Errorf("comparing stored hash: %w", err))
	}

	// Only reveal that the account is disabled to callers who know the password.
	if disabled {
		debug.Log("sql", "account disabled", "handler", h.name, "username", up.Username())
		return nil, authn.Reject(authn.ReasonRevoked, nil)
	}

	return &authn.Principal{ID: up.Username()}, nil
}

// classify maps a query error to a reason code. Server-side errors mean the
// query itself is wrong; anything else is treated as the database being
// unreachable.
func classify(err error) authn.ReasonCode {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return authn.ReasonTimeout
	case errors.As(err, &pgErr):
		return authn.ReasonInternal
	default:
		return authn.ReasonSourceUnavailable
	}
}
