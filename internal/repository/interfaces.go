// Package repository はデータ永続化のインターフェースを定義する。
// ブッキングエンジンとキャッシュはここで定義するキー/バリュー型の
// ストレージだけに依存する。
package repository

import (
	"context"
	"strings"
)

// Storage はキー/バリュー型ストレージアダプタのインターフェース。
// 値は不透明な文字列（通常はJSON）として扱う。
type Storage interface {
	// GetItem は指定キーの値を取得する。キーが存在しない場合はfound=falseを返す（エラーではない）。
	GetItem(ctx context.Context, key string) (value string, found bool, err error)

	// SetItem は指定キーに値を保存する。既存の値は上書きする。
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem は指定キーを削除する。存在しないキーの削除はエラーにしない。
	RemoveItem(ctx context.Context, key string) error

	// ClearAll はこのストレージが管理する全キーを削除する。
	ClearAll(ctx context.Context) error

	// Keys は指定プレフィックスで始まるキーの一覧を返す。
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// HealthChecker はストレージの疎通確認インターフェース。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// likePattern はSQLのLIKE句で使うプレフィックスパターンを生成する。
// プレフィックス中のワイルドカード文字はエスケープする。
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
