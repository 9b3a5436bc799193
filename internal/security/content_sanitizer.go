// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はプロフィールの表示用テキスト（名前、表示名、住所）から
// HTMLを除去する。これらの値は参加者一覧として他のユーザーにも表示されるため、
// 保存前にbluemondayのStrictPolicyでタグを取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト用サニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// script/style要素は中身ごと除去する。前後の空白は取り除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLタグを除去する。
// StrictPolicyはテキストをHTMLエスケープして返すため、JSONで返すプレーンテキストとして
// エンティティを元の文字に戻す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
