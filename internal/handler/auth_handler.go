package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/pickleplay/internal/booking"
	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// booking.Engineが実装する。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*booking.AuthResult, error)
	Register(ctx context.Context, email, password, name string) (*booking.AuthResult, error)
	VerifyEmail(ctx context.Context, email, token string) error
	ResendVerificationEmail(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	SocialAuth(ctx context.Context, token, provider string, su booking.SocialUser) (*booking.AuthResult, error)
	Logout(token string)
}

// AuthHandler は認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type socialAuthRequest struct {
	Token    string             `json:"token"`
	Provider string             `json:"provider"`
	User     booking.SocialUser `json:"user"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// Register はユーザーを新規登録しログイン状態にする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, res)
}

// VerifyEmail はメール確認トークンを検証する。
// POST /auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), req.Email, req.Token); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResendVerification はメール確認トークンを再発行する。
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.service.ResendVerificationEmail(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RequestPasswordReset はパスワードリセットを要求する。
// 登録の有無を漏らさないため、未登録のメールアドレスでも202を返す。
// POST /auth/password-reset
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ConfirmPasswordReset はリセットトークンで新しいパスワードを設定する。
// POST /auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SocialAuth はソーシャルログインの結果でユーザーを作成または更新する。
// POST /auth/social
func (h *AuthHandler) SocialAuth(w http.ResponseWriter, r *http.Request) {
	var req socialAuthRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("provider is required"))
		return
	}

	res, err := h.service.SocialAuth(r.Context(), req.Token, req.Provider, req.User)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// Logout はBearerトークンを無効化する。トークンがなくても204を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.BearerToken(r); token != "" {
		h.service.Logout(token)
	}
	w.WriteHeader(http.StatusNoContent)
}
