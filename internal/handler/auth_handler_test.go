package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/pickleplay/internal/booking"
	"github.com/hitoshi/pickleplay/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	loginFn         func(ctx context.Context, email, password string) (*booking.AuthResult, error)
	registerFn      func(ctx context.Context, email, password, name string) (*booking.AuthResult, error)
	verifyEmailFn   func(ctx context.Context, email, token string) error
	resendFn        func(ctx context.Context, email string) error
	requestResetFn  func(ctx context.Context, email string) error
	resetPasswordFn func(ctx context.Context, token, newPassword string) error
	socialAuthFn    func(ctx context.Context, token, provider string, su booking.SocialUser) (*booking.AuthResult, error)
	loggedOut       []string
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*booking.AuthResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAuthService) Register(ctx context.Context, email, password, name string) (*booking.AuthResult, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password, name)
	}
	return nil, nil
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, email, token string) error {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, email, token)
	}
	return nil
}

func (m *mockAuthService) ResendVerificationEmail(ctx context.Context, email string) error {
	if m.resendFn != nil {
		return m.resendFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.requestResetFn != nil {
		return m.requestResetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, token, newPassword)
	}
	return nil
}

func (m *mockAuthService) SocialAuth(ctx context.Context, token, provider string, su booking.SocialUser) (*booking.AuthResult, error) {
	if m.socialAuthFn != nil {
		return m.socialAuthFn(ctx, token, provider, su)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(token string) {
	m.loggedOut = append(m.loggedOut, token)
}

// --- テストヘルパー ---

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- テスト ---

func TestAuthHandler_Login_Success(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*booking.AuthResult, error) {
			if email != "player@example.com" || password != "secret" {
				t.Errorf("unexpected credentials %q/%q", email, password)
			}
			return &booking.AuthResult{Token: "token-1", User: &model.User{ID: "u1", Email: email}}, nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "player@example.com", "password": "secret",
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var res booking.AuthResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if res.Token != "token-1" || res.User == nil || res.User.ID != "u1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAuthHandler_Login_InvalidCredentials_Returns401(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*booking.AuthResult, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{"email": "x@example.com"}))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidCredentials)
	}
	if body["message"] != "Invalid credentials" {
		t.Errorf("message = %q, want %q", body["message"], "Invalid credentials")
	}
}

func TestAuthHandler_MalformedBody_Returns400(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	handlers := map[string]http.HandlerFunc{
		"login":    h.Login,
		"register": h.Register,
		"verify":   h.VerifyEmail,
		"resend":   h.ResendVerification,
		"reset":    h.RequestPasswordReset,
		"confirm":  h.ConfirmPasswordReset,
		"social":   h.SocialAuth,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/x", strings.NewReader("{not json"))
			w := httptest.NewRecorder()
			fn(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidRequest)
			}
		})
	}
}

func TestAuthHandler_Register_Created(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, email, password, name string) (*booking.AuthResult, error) {
			if name != "Ken" {
				t.Errorf("name = %q, want Ken", name)
			}
			return &booking.AuthResult{Token: "t", User: &model.User{Email: email}}, nil
		},
	}
	w := httptest.NewRecorder()
	NewAuthHandler(svc).Register(w, jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "ken@example.com", "password": "pw", "name": "Ken",
	}))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestAuthHandler_Register_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"メール重複", model.NewEmailTakenError(), http.StatusConflict},
		{"ブロックされたドメイン", model.NewEmailDomainBlockedError("tempmail.com"), http.StatusBadRequest},
		{"不正な形式", model.NewInvalidEmailError("nope"), http.StatusBadRequest},
		{"内部エラー", errors.New("storage down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				registerFn: func(ctx context.Context, email, password, name string) (*booking.AuthResult, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			NewAuthHandler(svc).Register(w, jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{"email": "a@b.c"}))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestAuthHandler_RequestPasswordReset_Accepted(t *testing.T) {
	var got string
	svc := &mockAuthService{
		requestResetFn: func(ctx context.Context, email string) error {
			got = email
			return nil
		},
	}
	w := httptest.NewRecorder()
	NewAuthHandler(svc).RequestPasswordReset(w, jsonRequest(t, http.MethodPost, "/auth/password-reset", map[string]string{"email": "who@example.com"}))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got != "who@example.com" {
		t.Errorf("email = %q, want %q", got, "who@example.com")
	}
}

func TestAuthHandler_ConfirmPasswordReset_InvalidToken(t *testing.T) {
	svc := &mockAuthService{
		resetPasswordFn: func(ctx context.Context, token, newPassword string) error {
			if token != "bad" || newPassword != "new-pw" {
				t.Errorf("unexpected args %q/%q", token, newPassword)
			}
			return model.NewInvalidTokenError()
		},
	}
	w := httptest.NewRecorder()
	NewAuthHandler(svc).ConfirmPasswordReset(w, jsonRequest(t, http.MethodPost, "/auth/password-reset/confirm", map[string]string{
		"token": "bad", "newPassword": "new-pw",
	}))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthHandler_SocialAuth(t *testing.T) {
	var gotUser booking.SocialUser
	svc := &mockAuthService{
		socialAuthFn: func(ctx context.Context, token, provider string, su booking.SocialUser) (*booking.AuthResult, error) {
			gotUser = su
			return &booking.AuthResult{Token: "social-token"}, nil
		},
	}
	h := NewAuthHandler(svc)

	t.Run("providerなしは400", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.SocialAuth(w, jsonRequest(t, http.MethodPost, "/auth/social", map[string]any{"token": "t"}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("成功", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.SocialAuth(w, jsonRequest(t, http.MethodPost, "/auth/social", map[string]any{
			"token":    "google-token",
			"provider": "google",
			"user":     map[string]any{"email": "g@example.com", "name": "G", "profileImage": "https://img.example/g.png"},
		}))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotUser.Email != "g@example.com" || gotUser.ProfileImage == nil || gotUser.ProfileImage.URI != "https://img.example/g.png" {
			t.Errorf("unexpected social user %+v", gotUser)
		}
	})
}

func TestAuthHandler_Logout(t *testing.T) {
	svc := &mockAuthService{}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer token-x")
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(svc.loggedOut) != 1 || svc.loggedOut[0] != "token-x" {
		t.Errorf("loggedOut = %v, want [token-x]", svc.loggedOut)
	}

	// トークンなしでも204
	w = httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(svc.loggedOut) != 1 {
		t.Errorf("Logout should not be called without token")
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *model.APIError
		want int
	}{
		{model.NewUserNotFoundError(), http.StatusNotFound},
		{model.NewGameNotFoundError("x"), http.StatusNotFound},
		{model.NewBookingNotFoundError("x"), http.StatusNotFound},
		{model.NewGameFullError(), http.StatusConflict},
		{model.NewAlreadyBookedError(), http.StatusConflict},
		{model.NewSkillMismatchError("Advanced", "Beginner"), http.StatusConflict},
		{model.NewSkillLockedError(), http.StatusConflict},
		{model.NewInvalidSkillLevelError("pro"), http.StatusBadRequest},
		{model.NewInvalidCredentialsError(), http.StatusUnauthorized},
		{&model.APIError{Code: "X", Category: model.CategorySystem}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(tt.err); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}
