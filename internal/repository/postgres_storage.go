package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStorage はPostgreSQLのkv_storeテーブルを使用したストレージ。
// テーブルはdatabaseパッケージのマイグレーションで作成する。
// 複数のサーバープロセスで同じ状態を共有する場合に使用する。
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage はPostgresStorageを生成する。
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// GetItem は指定キーの値を取得する。見つからない場合はfound=falseを返す。
func (s *PostgresStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get item: %w", err)
	}
	return value, true, nil
}

// SetItem は指定キーに値を保存する。
func (s *PostgresStorage) SetItem(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

// RemoveItem は指定キーを削除する。
func (s *PostgresStorage) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// ClearAll は全キーを削除する。
func (s *PostgresStorage) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store`); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	return nil
}

// Keys は指定プレフィックスで始まるキーの一覧を返す。
func (s *PostgresStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_store WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		likePattern(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// compile-time interface check
var _ Storage = (*PostgresStorage)(nil)
