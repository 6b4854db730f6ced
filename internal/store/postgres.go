package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"job-processing-core/internal/errs"
)

// PostgresStore wraps pgxpool and keeps every namespace in the kv_state table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv_state WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select %s/%s", namespace, key)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_state (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, namespace, key, value)
	if err != nil {
		return errors.Wrapf(err, "upsert %s/%s", namespace, key)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_state WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return errors.Wrapf(err, "delete %s/%s", namespace, key)
	}
	return nil
}

func (s *PostgresStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM kv_state WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "select namespace %s", namespace)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrapf(err, "scan namespace %s", namespace)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate namespace %s", namespace)
	}
	return out, nil
}

// CompareAndSwap relies on the row-level conditional write; Postgres
// serializes the competing UPDATEs so at most one sees the old value.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, namespace, key string, old, new []byte) (bool, error) {
	if old == nil {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO kv_state (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (namespace, key) DO NOTHING
		`, namespace, key, new)
		if err != nil {
			return false, errors.Wrapf(err, "insert %s/%s", namespace, key)
		}
		return tag.RowsAffected() == 1, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE kv_state SET value = $4, updated_at = NOW()
		WHERE namespace = $1 AND key = $2 AND value = $3
	`, namespace, key, old, new)
	if err != nil {
		return false, errors.Wrapf(err, "cas %s/%s", namespace, key)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndDelete removes the row only if its value still equals old.
func (s *PostgresStore) CompareAndDelete(ctx context.Context, namespace, key string, old []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM kv_state WHERE namespace = $1 AND key = $2 AND value = $3
	`, namespace, key, old)
	if err != nil {
		return false, errors.Wrapf(err, "cad %s/%s", namespace, key)
	}
	return tag.RowsAffected() == 1, nil
}
