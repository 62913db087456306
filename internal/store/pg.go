package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps the state in a Postgres table, one jsonb row per key.
type PgStore struct {
	pool  *pgxpool.Pool
	table string
}

func OpenPostgres(ctx context.Context, url, prefix string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	s := &PgStore{pool: pool, table: prefix + "state"}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`create table if not exists %s (
		key text primary key,
		value jsonb not null,
		updated_at timestamptz not null default now()
	)`, s.table))
	return err
}

func (s *PgStore) Close() error { s.pool.Close(); return nil }

func (s *PgStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`select value from %s where key=$1`, s.table), key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *PgStore) GetAll(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`select key, value from %s`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		all[k] = v
	}
	return all, rows.Err()
}

func (s *PgStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, s.upsertSQL(), key, value)
	return err
}

func (s *PgStore) upsertSQL() string {
	return fmt.Sprintf(`insert into %s (key, value, updated_at) values ($1, $2, now())
		on conflict (key) do update set value=excluded.value, updated_at=excluded.updated_at`, s.table)
}

// Update serializes writers of the same key with a transaction-scoped
// advisory lock, which also covers the not-yet-inserted case.
func (s *PgStore) Update(ctx context.Context, key string, fn func([]byte, bool) ([]byte, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, s.table+"/"+key); err != nil {
		return err
	}
	var old []byte
	exists := true
	err = tx.QueryRow(ctx, fmt.Sprintf(`select value from %s where key=$1`, s.table), key).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return err
	}
	next, err := fn(old, exists)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, s.upsertSQL(), key, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
