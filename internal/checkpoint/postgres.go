package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a Postgres table, for deployments that
// already run Postgres and want durable, queryable checkpoints.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			results JSONB NOT NULL,
			errors JSONB NOT NULL DEFAULT '{}'::jsonb
		)`)
	if err != nil {
		return fmt.Errorf("ensure checkpoints schema: %w", err)
	}
	return nil
}

// Save implements Store; writes are idempotent under the same id.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	results, err := json.Marshal(snap.Results)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %q results: %w", snap.ID, err)
	}
	errs, err := json.Marshal(snap.Errors)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %q errors: %w", snap.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, created_at, results, errors)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			results = EXCLUDED.results,
			errors = EXCLUDED.errors`,
		snap.ID, time.Now().UTC(), results, errs)
	return err
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	var (
		snap    = Snapshot{ID: id}
		results []byte
		errs    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT created_at, results, errors FROM checkpoints WHERE id = $1`, id).
		Scan(&snap.Timestamp, &results, &errs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &snap.Results); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %q results: %w", id, err)
	}
	if err := json.Unmarshal(errs, &snap.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %q errors: %w", id, err)
	}
	return &snap, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, results, errors FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			rawResults []byte
			rawErrors  []byte
		)
		if err := rows.Scan(&sum.ID, &sum.Timestamp, &rawResults, &rawErrors); err != nil {
			return nil, err
		}
		var results map[string]json.RawMessage
		var errs map[string]string
		if err := json.Unmarshal(rawResults, &results); err == nil {
			sum.Nodes = len(results)
		}
		if err := json.Unmarshal(rawErrors, &errs); err == nil {
			sum.Errors = len(errs)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	return err
}
