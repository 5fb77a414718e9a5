package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists SDK state in Postgres, for server-embedded hosts
// that already run a pool. One row per (namespace, key).
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *zap.Logger
}

func NewPostgresStore(ctx context.Context, dsn, namespace string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, namespace: namespace, logger: logger}, nil
}

func (p *PostgresStore) EnsureInitialized(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notifly_kv (
			namespace TEXT NOT NULL,
			k TEXT NOT NULL,
			v TEXT NOT NULL,
			PRIMARY KEY (namespace, k)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetItem(ctx context.Context, key Key) (string, error) {
	var v string
	err := p.pool.QueryRow(ctx,
		`SELECT v FROM notifly_kv WHERE namespace = $1 AND k = $2`,
		p.namespace, string(key)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (p *PostgresStore) GetItems(ctx context.Context, keys []Key) (map[Key]string, error) {
	if len(keys) == 0 {
		return map[Key]string{}, nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = string(k)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT k, v FROM notifly_kv WHERE namespace = $1 AND k = ANY($2)`,
		p.namespace, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Key]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[Key(k)] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetItem(ctx context.Context, key Key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO notifly_kv (namespace, k, v) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, k) DO UPDATE SET v = EXCLUDED.v`,
		p.namespace, string(key), value)
	return err
}

func (p *PostgresStore) SetItems(ctx context.Context, items map[Key]string) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for k, v := range items {
		batch.Queue(
			`INSERT INTO notifly_kv (namespace, k, v) VALUES ($1, $2, $3)
			 ON CONFLICT (namespace, k) DO UPDATE SET v = EXCLUDED.v`,
			p.namespace, string(k), v)
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

func (p *PostgresStore) RemoveItem(ctx context.Context, key Key) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM notifly_kv WHERE namespace = $1 AND k = $2`,
		p.namespace, string(key))
	return err
}

func (p *PostgresStore) RemoveItems(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = string(k)
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM notifly_kv WHERE namespace = $1 AND k = ANY($2)`,
		p.namespace, raw)
	return err
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
