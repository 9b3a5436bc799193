package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// Messageはそのままアプリのアラートに表示できる文言とする。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: not_found, conflict, validation, auth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return e.Message
}

// エラーカテゴリ
const (
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeGameNotFound       = "GAME_NOT_FOUND"
	ErrCodeBookingNotFound    = "BOOKING_NOT_FOUND"
	ErrCodeGameFull           = "GAME_FULL"
	ErrCodeAlreadyBooked      = "ALREADY_BOOKED"
	ErrCodeSkillMismatch      = "SKILL_MISMATCH"
	ErrCodeSkillLocked        = "SKILL_LOCKED"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeEmailDomainBlocked = "EMAIL_DOMAIN_BLOCKED"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeInvalidSkillLevel  = "INVALID_SKILL_LEVEL"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: CategoryNotFound,
		Action:   "Please sign in again.",
	}
}

// NewGameNotFoundError はゲーム定義が見つからない場合のエラーを生成する。
func NewGameNotFoundError(gameID string) *APIError {
	return &APIError{
		Code:     ErrCodeGameNotFound,
		Message:  fmt.Sprintf("Game not found: %s", gameID),
		Category: CategoryNotFound,
		Action:   "Refresh the game list and try again.",
	}
}

// NewBookingNotFoundError は予約が見つからない場合のエラーを生成する。
func NewBookingNotFoundError(bookingID string) *APIError {
	return &APIError{
		Code:     ErrCodeBookingNotFound,
		Message:  fmt.Sprintf("Booking not found: %s", bookingID),
		Category: CategoryNotFound,
		Action:   "Refresh your bookings and try again.",
	}
}

// NewGameFullError は定員に達したゲームへの予約時のエラーを生成する。
func NewGameFullError() *APIError {
	return &APIError{
		Code:     ErrCodeGameFull,
		Message:  "This game is already full",
		Category: CategoryConflict,
		Action:   "Choose another game with open spots.",
	}
}

// NewAlreadyBookedError は同じゲームを重複予約しようとした場合のエラーを生成する。
func NewAlreadyBookedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyBooked,
		Message:  "You have already booked this game",
		Category: CategoryConflict,
		Action:   "Check your upcoming games.",
	}
}

// NewSkillMismatchError はスキルレベルが一致しない場合のエラーを生成する。
func NewSkillMismatchError(required, actual SkillLevel) *APIError {
	return &APIError{
		Code:     ErrCodeSkillMismatch,
		Message:  fmt.Sprintf("This game requires skill level %s, but your skill level is %s", required, actual),
		Category: CategoryConflict,
		Action:   "Choose a game that matches your skill level.",
	}
}

// NewSkillLockedError は予約中にスキルレベルを変更しようとした場合のエラーを生成する。
func NewSkillLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSkillLocked,
		Message:  "You cannot change your skill level while you have upcoming games booked. Cancel your upcoming bookings first.",
		Category: CategoryConflict,
		Action:   "Cancel your upcoming bookings, then update your skill level.",
	}
}

// NewEmailTakenError は登録済みメールアドレスでの登録時のエラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "An account with this email already exists",
		Category: CategoryConflict,
		Action:   "Sign in or reset your password.",
	}
}

// NewEmailDomainBlockedError は登録が許可されないドメインのエラーを生成する。
func NewEmailDomainBlockedError(domain string) *APIError {
	return &APIError{
		Code:     ErrCodeEmailDomainBlocked,
		Message:  fmt.Sprintf("Email domain %s is not allowed", domain),
		Category: CategoryValidation,
		Action:   "Use a different email address.",
	}
}

// NewInvalidEmailError はメールアドレス形式が不正な場合のエラーを生成する。
func NewInvalidEmailError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("Invalid email address: %s", email),
		Category: CategoryValidation,
		Action:   "Enter a valid email address.",
	}
}

// NewInvalidCredentialsError はログイン失敗時のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid credentials",
		Category: CategoryAuth,
		Action:   "Check your email and password.",
	}
}

// NewInvalidTokenError は検証トークンやリセットトークンが一致しない場合のエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "Invalid or expired token",
		Category: CategoryAuth,
		Action:   "Request a new link and try again.",
	}
}

// NewInvalidSkillLevelError は未知のスキルレベルが指定された場合のエラーを生成する。
func NewInvalidSkillLevelError(level string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSkillLevel,
		Message:  fmt.Sprintf("Invalid skill level: %s", level),
		Category: CategoryValidation,
		Action:   "Choose Beginner, Intermediate, Advanced or Open.",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: CategoryValidation,
		Action:   "Check the request body and try again.",
	}
}

// NewUnauthorizedError は認証が必要な操作を未認証で呼び出した場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required",
		Category: CategoryAuth,
		Action:   "Please sign in.",
	}
}
