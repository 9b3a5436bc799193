package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/pickleplay/internal/model"
	"github.com/hitoshi/pickleplay/internal/security"
)

// SocialUser はソーシャルログインのプロバイダーから受け取るユーザー情報。
type SocialUser struct {
	Email        string              `json:"email"`
	Name         string              `json:"name"`
	ProfileImage *model.ProfileImage `json:"profileImage,omitempty"`
}

// Login はメールアドレスとパスワードでログインする。
// ユーザーが存在しない場合もパスワード不一致の場合も同じエラーを返す。
func (e *Engine) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := e.lookupUser(email)
	if err != nil || rec.PasswordHash == "" {
		unlock()
		return nil, model.NewInvalidCredentialsError()
	}
	hash, userEmail := rec.PasswordHash, rec.Email
	unlock()

	// ハッシュ比較は重いためロックの外で行う
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.users[userEmail]
	if !ok || rec.PasswordHash != hash {
		return nil, model.NewInvalidCredentialsError()
	}
	return e.issueSession(rec), nil
}

// Register は新しいユーザーを登録する。メールアドレスは確認済みとして扱う。
func (e *Engine) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	normalized, err := e.validateEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, model.NewInvalidRequestError("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, exists := e.users[normalized]; exists {
		return nil, model.NewEmailTakenError()
	}

	rec := e.newUserRecord(normalized, name)
	rec.PasswordHash = string(hash)
	e.users[normalized] = rec

	if err := e.persist(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("ユーザーを登録しました",
		slog.String("user_id", rec.ID),
		slog.String("email", rec.Email),
	)
	return e.issueSession(rec), nil
}

// VerifyEmail はメールアドレス確認トークンを照合し、確認済みにする。
// 確認待ちのトークンがない場合は照合せずに確認済みとする。
func (e *Engine) VerifyEmail(ctx context.Context, email, token string) error {
	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return err
	}
	if rec.VerificationToken != "" && rec.VerificationToken != token {
		return model.NewInvalidTokenError()
	}
	if rec.EmailVerified && rec.VerificationToken == "" {
		return nil
	}

	rec.EmailVerified = true
	rec.VerificationToken = ""
	rec.UpdatedAt = e.now().UTC()
	return e.persist(ctx)
}

// ResendVerificationEmail は未確認ユーザーに新しい確認トークンを発行する。
// 実際のメール送信は行わず、トークンはDEBUGログに出力する。
// 未登録または確認済みのメールアドレスでは何もしない。
func (e *Engine) ResendVerificationEmail(ctx context.Context, email string) error {
	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil || rec.EmailVerified {
		return nil
	}

	rec.VerificationToken = uuid.NewString()
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.logger.Debug("確認トークンを発行しました",
		slog.String("email", rec.Email),
		slog.String("verification_token", rec.VerificationToken),
	)
	return nil
}

// RequestPasswordReset はパスワードリセットトークンを発行する。
// アカウントの有無を漏らさないため、未登録のメールアドレスでも成功を返す。
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		e.logger.Info("未登録のメールアドレスへのパスワードリセット要求を無視しました")
		return nil
	}

	rec.ResetToken = uuid.NewString()
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.logger.Debug("パスワードリセットトークンを発行しました",
		slog.String("email", rec.Email),
		slog.String("reset_token", rec.ResetToken),
	)
	return nil
}

// ResetPassword はリセットトークンを照合してパスワードを変更する。
// 変更後はそのユーザーの既存セッションをすべて無効にする。
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return model.NewInvalidTokenError()
	}
	if newPassword == "" {
		return model.NewInvalidRequestError("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), e.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	var rec *userRecord
	for _, r := range e.users {
		if r.ResetToken == token {
			rec = r
			break
		}
	}
	if rec == nil {
		return model.NewInvalidTokenError()
	}

	rec.PasswordHash = string(hash)
	rec.ResetToken = ""
	rec.UpdatedAt = e.now().UTC()
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.revokeSessions(rec.Email)
	return nil
}

// SocialAuth はソーシャルログインでユーザーを作成または更新する。
// 既存ユーザーは名前を更新して確認済みにし、新規ユーザーはパスワードなしで作成する。
func (e *Engine) SocialAuth(ctx context.Context, token, provider string, su SocialUser) (*AuthResult, error) {
	if token == "" {
		return nil, model.NewInvalidTokenError()
	}
	normalized, err := e.emails.Normalize(su.Email)
	if err != nil {
		return nil, model.NewInvalidEmailError(su.Email)
	}

	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now().UTC()
	rec, exists := e.users[normalized]
	if exists {
		if name := e.sanitizer.Sanitize(su.Name); name != "" {
			rec.Name = name
		}
		rec.EmailVerified = true
		rec.UpdatedAt = now
	} else {
		rec = e.newUserRecord(normalized, su.Name)
		rec.ProfileImage = su.ProfileImage
		e.users[normalized] = rec
	}
	rec.Provider = provider

	if err := e.persist(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("ソーシャルログインを処理しました",
		slog.String("user_id", rec.ID),
		slog.String("provider", provider),
		slog.Bool("created", !exists),
	)
	return e.issueSession(rec), nil
}

// Authenticate はセッショントークンに対応するメールアドレスを返す。
func (e *Engine) Authenticate(token string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	email, ok := e.sessions[token]
	return email, ok
}

// Logout はセッショントークンを無効にする。
func (e *Engine) Logout(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, token)
}

// validateEmail は登録用にメールアドレスを検証し、モデルのエラーに変換する。
func (e *Engine) validateEmail(email string) (string, error) {
	normalized, err := e.emails.Validate(email)
	if err == nil {
		return normalized, nil
	}
	var blocked *security.EmailDomainBlockedError
	if errors.As(err, &blocked) {
		return "", model.NewEmailDomainBlockedError(blocked.Domain)
	}
	return "", model.NewInvalidEmailError(strings.TrimSpace(email))
}

// newUserRecord は確認済みの新規ユーザーレコードを生成する。
func (e *Engine) newUserRecord(email, name string) *userRecord {
	now := e.now().UTC()
	name = e.sanitizer.Sanitize(name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	return &userRecord{
		User: model.User{
			ID:            uuid.NewString(),
			Email:         email,
			Name:          name,
			EmailVerified: true,
			GameHistory:   []model.GameResult{},
			Bookings:      []model.Booking{},
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}

// issueSession はセッショントークンを発行して結果を組み立てる。
// 呼び出し側でe.muを保持していること。
func (e *Engine) issueSession(rec *userRecord) *AuthResult {
	// 同じミリ秒に同じユーザーがログインした場合はミリ秒を進めて一意にする
	millis := e.now().UnixMilli()
	token := fmt.Sprintf("token-%s-%d", rec.ID, millis)
	for {
		if _, taken := e.sessions[token]; !taken {
			break
		}
		millis++
		token = fmt.Sprintf("token-%s-%d", rec.ID, millis)
	}
	e.sessions[token] = rec.Email
	return &AuthResult{Token: token, User: rec.public()}
}

// revokeSessions は指定ユーザーの全セッションを無効にする。
// 呼び出し側でe.muを保持していること。
func (e *Engine) revokeSessions(email string) {
	for token, owner := range e.sessions {
		if owner == email {
			delete(e.sessions, token)
		}
	}
}
