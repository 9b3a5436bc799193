package repository

import (
	"context"
	"strings"
)

// PrefixedStorage は下位ストレージの全キーに名前空間プレフィックスを付与するラッパー。
// ClearAllは名前空間内のキーのみを削除する。
type PrefixedStorage struct {
	inner  Storage
	prefix string
}

// NewPrefixedStorage はPrefixedStorageを生成する。
func NewPrefixedStorage(inner Storage, prefix string) *PrefixedStorage {
	return &PrefixedStorage{inner: inner, prefix: prefix}
}

// GetItem は名前空間付きキーの値を取得する。
func (s *PrefixedStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	return s.inner.GetItem(ctx, s.prefix+key)
}

// SetItem は名前空間付きキーに値を保存する。
func (s *PrefixedStorage) SetItem(ctx context.Context, key, value string) error {
	return s.inner.SetItem(ctx, s.prefix+key, value)
}

// RemoveItem は名前空間付きキーを削除する。
func (s *PrefixedStorage) RemoveItem(ctx context.Context, key string) error {
	return s.inner.RemoveItem(ctx, s.prefix+key)
}

// ClearAll は名前空間内のキーのみを削除する。
func (s *PrefixedStorage) ClearAll(ctx context.Context) error {
	keys, err := s.inner.Keys(ctx, s.prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.inner.RemoveItem(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Keys は名前空間内で指定プレフィックスに一致するキーを、名前空間を除いた形で返す。
func (s *PrefixedStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := s.inner.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}

// compile-time interface check
var _ Storage = (*PrefixedStorage)(nil)
