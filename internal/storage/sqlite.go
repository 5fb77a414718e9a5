package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore persists SDK state in an embedded SQLite database, the natural
// backend for desktop and CLI hosts.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) EnsureInitialized(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notifly_kv (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, key Key) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM notifly_kv WHERE k = ?`, string(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) GetItems(ctx context.Context, keys []Key) (map[Key]string, error) {
	if len(keys) == 0 {
		return map[Key]string{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = string(k)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v FROM notifly_kv WHERE k IN (`+placeholders+`)`, args...)
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

func (s *SQLiteStore) SetItem(ctx context.Context, key Key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifly_kv (k, v) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		string(key), value)
	return err
}

func (s *SQLiteStore) SetItems(ctx context.Context, items map[Key]string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifly_kv (k, v) VALUES (?, ?)
			 ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			string(k), v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RemoveItem(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifly_kv WHERE k = ?`, string(key))
	return err
}

func (s *SQLiteStore) RemoveItems(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = string(k)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notifly_kv WHERE k IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
