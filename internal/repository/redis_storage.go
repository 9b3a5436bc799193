package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// scanBatchSize はSCANで1回に取得するキー数の目安。
const scanBatchSize = 100

// RedisStorage はRedisを使用したストレージ。
// 全キーをkeyPrefixで名前空間化し、ClearAllは自分の名前空間のみを削除する。
type RedisStorage struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStorage はRedisStorageを生成する。
func NewRedisStorage(rdb *redis.Client, keyPrefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, keyPrefix: keyPrefix}
}

// GetItem は指定キーの値を取得する。見つからない場合はfound=falseを返す。
func (s *RedisStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get item: %w", err)
	}
	return v, true, nil
}

// SetItem は指定キーに値を保存する。有効期限は設定しない。
func (s *RedisStorage) SetItem(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

// RemoveItem は指定キーを削除する。
func (s *RedisStorage) RemoveItem(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// ClearAll は名前空間内の全キーを削除する。
func (s *RedisStorage) ClearAll(ctx context.Context) error {
	keys, err := s.scan(ctx, s.keyPrefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	return nil
}

// Keys は指定プレフィックスで始まるキーの一覧を名前空間を除いた形で返す。
func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := s.scan(ctx, s.keyPrefix+escapeGlob(prefix)+"*")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// scan はSCANでパターンに一致するキーを全件取得する。
func (s *RedisStorage) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// escapeGlob はRedisのglobパターンで特別な意味を持つ文字をエスケープする。
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// compile-time interface check
var _ Storage = (*RedisStorage)(nil)
