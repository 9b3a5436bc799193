// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/hitoshi/pickleplay/internal/model"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// emailContextKey はリクエストコンテキストに認証済みメールアドレスを格納するためのキー。
var emailContextKey = contextKey("email")

// emailHolderContextKey はロギングミドルウェアへ認証結果を書き戻すためのキー。
var emailHolderContextKey = contextKey("email_holder")

// emailHolder はセッションミドルウェアが認証したメールアドレスを外側のミドルウェアへ渡す。
type emailHolder struct {
	mu    sync.Mutex
	email string
}

func (h *emailHolder) set(email string) {
	h.mu.Lock()
	h.email = email
	h.mu.Unlock()
}

func (h *emailHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.email
}

func withEmailHolder(ctx context.Context, h *emailHolder) context.Context {
	return context.WithValue(ctx, emailHolderContextKey, h)
}

// TokenAuthenticator はセッショントークンの検証に必要なインターフェース。
// booking.Engineが実装する。
type TokenAuthenticator interface {
	Authenticate(token string) (email string, ok bool)
}

// NewSessionMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みユーザーのメールアドレスをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(auth TokenAuthenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			email, ok := auth.Authenticate(token)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
				return
			}

			if h, ok := r.Context().Value(emailHolderContextKey).(*emailHolder); ok {
				h.set(email)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithEmail(r.Context(), email)))
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーがないか形式が違う場合は空文字を返す。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// EmailFromContext はリクエストコンテキストから認証済みメールアドレスを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func EmailFromContext(ctx context.Context) (string, error) {
	email, ok := ctx.Value(emailContextKey).(string)
	if !ok || email == "" {
		return "", fmt.Errorf("email not found in context")
	}
	return email, nil
}

// ContextWithEmail はコンテキストに認証済みメールアドレスを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailContextKey, email)
}
