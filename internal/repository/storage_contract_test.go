package repository

import (
	"context"
	"reflect"
	"testing"
)

// testStorageContract はStorageインターフェースの実装が共通の振る舞いを満たすことを検証する。
// 各実装のテストから呼び出す。
func testStorageContract(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Helper()

	t.Run("存在しないキーはfound=false", func(t *testing.T) {
		s := newStorage(t)
		v, found, err := s.GetItem(context.Background(), "missing")
		if err != nil {
			t.Fatalf("GetItem returned error: %v", err)
		}
		if found {
			t.Errorf("found = true, want false (value=%q)", v)
		}
	})

	t.Run("保存した値を取得できる", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		if err := s.SetItem(ctx, "mock_users", `{"a@x.com":{}}`); err != nil {
			t.Fatalf("SetItem returned error: %v", err)
		}
		v, found, err := s.GetItem(ctx, "mock_users")
		if err != nil {
			t.Fatalf("GetItem returned error: %v", err)
		}
		if !found || v != `{"a@x.com":{}}` {
			t.Errorf("GetItem = (%q, %v), want stored value", v, found)
		}
	})

	t.Run("上書き保存", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.SetItem(ctx, "k", "v1")
		if err := s.SetItem(ctx, "k", "v2"); err != nil {
			t.Fatalf("SetItem returned error: %v", err)
		}
		v, _, _ := s.GetItem(ctx, "k")
		if v != "v2" {
			t.Errorf("value = %q, want %q", v, "v2")
		}
	})

	t.Run("削除後は取得できない", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.SetItem(ctx, "k", "v")
		if err := s.RemoveItem(ctx, "k"); err != nil {
			t.Fatalf("RemoveItem returned error: %v", err)
		}
		if _, found, _ := s.GetItem(ctx, "k"); found {
			t.Error("expected key to be removed")
		}
		// 存在しないキーの削除はエラーにならない
		if err := s.RemoveItem(ctx, "k"); err != nil {
			t.Errorf("RemoveItem on missing key returned error: %v", err)
		}
	})

	t.Run("プレフィックスでキーを列挙できる", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.SetItem(ctx, "cache_games", "1")
		_ = s.SetItem(ctx, "cache_profile", "2")
		_ = s.SetItem(ctx, "mock_users", "3")
		// LIKEのワイルドカード文字がエスケープされていること
		_ = s.SetItem(ctx, "cacheXgames", "4")

		keys, err := s.Keys(ctx, "cache_")
		if err != nil {
			t.Fatalf("Keys returned error: %v", err)
		}
		want := []string{"cache_games", "cache_profile"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("Keys = %v, want %v", keys, want)
		}
	})

	t.Run("ClearAllで全キーが削除される", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.SetItem(ctx, "a", "1")
		_ = s.SetItem(ctx, "b", "2")
		if err := s.ClearAll(ctx); err != nil {
			t.Fatalf("ClearAll returned error: %v", err)
		}
		keys, err := s.Keys(ctx, "")
		if err != nil {
			t.Fatalf("Keys returned error: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("Keys after ClearAll = %v, want empty", keys)
		}
	})
}
