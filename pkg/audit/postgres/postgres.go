// Package postgres provides a PostgreSQL implementation of audit.Store.
// It uses pgx/v5 for connection pooling and JSONB for handler failures.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/warden/pkg/audit"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed audit.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements audit.Store at compile time.
var _ audit.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// Save persists an audit record.
func (s *Store) Save(ctx context.Context, rec audit.Record) error {
	failures := rec.Failures
	if failures == nil {
		failures = []audit.FailureRecord{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("marshaling failures: %w", err)
	}

	satisfied := rec.Satisfied
	if satisfied == nil {
		satisfied = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_attempts (
			attempt_id, attempted_at, policy, credential_kind, identifier,
			outcome, handler, principal_id, satisfied, failures, duration_us
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.AttemptID, rec.Time, rec.Policy, rec.CredentialKind, rec.Identifier,
		rec.Outcome, rec.Handler, rec.PrincipalID, satisfied, failuresJSON, rec.Duration.Microseconds(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return audit.ErrConflict
		}
		return fmt.Errorf("inserting audit record: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT attempt_id, attempted_at, policy, credential_kind, identifier,
	       outcome, handler, principal_id, satisfied, failures, duration_us
	FROM auth_attempts
`

// Get retrieves a record by attempt ID.
func (s *Store) Get(ctx context.Context, attemptID string) (*audit.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectColumns+" WHERE attempt_id = $1", attemptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}
	return rec, nil
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	query := selectColumns + " WHERE TRUE"
	var args []any

	if f.Identifier != "" {
		args = append(args, f.Identifier)
		query += fmt.Sprintf(" AND identifier = $%d", len(args))
	}
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		query += fmt.Sprintf(" AND outcome = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND attempted_at >= $%d", len(args))
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY attempted_at DESC, attempt_id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	records := []audit.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return records, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*audit.Record, error) {
	var (
		rec          audit.Record
		failuresJSON []byte
		durationUS   int64
	)
	err := row.Scan(
		&rec.AttemptID, &rec.Time, &rec.Policy, &rec.CredentialKind, &rec.Identifier,
		&rec.Outcome, &rec.Handler, &rec.PrincipalID, &rec.Satisfied, &failuresJSON, &durationUS,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(failuresJSON, &rec.Failures); err != nil {
		return nil, fmt.Errorf("unmarshaling failures: %w", err)
	}
	if len(rec.Failures) == 0 {
		rec.Failures = nil
	}
	if len(rec.Satisfied) == 0 {
		rec.Satisfied = nil
	}
	rec.Time = rec.Time.UTC()
	rec.Duration = time.Duration(durationUS) * time.Microsecond
	return &rec, nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
