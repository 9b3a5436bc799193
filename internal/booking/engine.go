// Package booking は開発用のブッキングエンジンを提供する。
// ユーザー、プロフィール、ゲーム予約の状態をメモリ上に保持し、
// 変更のたびにキー/バリューストレージへ永続化する。
package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/pickleplay/internal/model"
	"github.com/hitoshi/pickleplay/internal/repository"
	"github.com/hitoshi/pickleplay/internal/security"
)

// ストレージ上のキー
const (
	usersKey       = "mock_users"
	bookedGamesKey = "mock_booked_games"
)

// TextSanitizer は表示用テキストの無害化インターフェース。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// EmailValidator はメールアドレスの検証インターフェース。
type EmailValidator interface {
	// Normalize は形式のみを検証して正規化したアドレスを返す。
	Normalize(email string) (string, error)
	// Validate は形式とドメインを検証して正規化したアドレスを返す。
	Validate(email string) (string, error)
}

// MetricsRecorder は予約に関するメトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordBookingCreated(gameID string)
	RecordBookingCancelled(gameID string)
	RecordBookingRejected(reason string)
}

// userRecord はストレージに保存するユーザーレコード。
// 認証情報を含むため、外部にはpublic()で変換した値だけを返す。
type userRecord struct {
	model.User
	PasswordHash      string `json:"passwordHash,omitempty"`
	VerificationToken string `json:"verificationToken,omitempty"`
	ResetToken        string `json:"resetToken,omitempty"`
	Provider          string `json:"provider,omitempty"`
}

// public は認証情報を除いたユーザー情報のコピーを返す。
func (r *userRecord) public() *model.User {
	u := r.User
	u.Bookings = append([]model.Booking{}, r.Bookings...)
	u.GameHistory = append([]model.GameResult{}, r.GameHistory...)
	if r.ProfileImage != nil {
		img := *r.ProfileImage
		u.ProfileImage = &img
	}
	return &u
}

// displayName は他のユーザーに見せる名前を返す。
func (r *userRecord) displayName() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// AuthResult はログイン系操作の結果。
type AuthResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Engine はブッキングエンジン本体。
// 全操作は1つのミューテックスの下で「読み込み・検証・変更・永続化」を行うため、
// 同時に呼び出されても定員超過や重複予約は起きない。
type Engine struct {
	storage   repository.Storage
	catalog   Catalog
	logger    *slog.Logger
	metrics   MetricsRecorder
	sanitizer TextSanitizer
	emails    EmailValidator

	latency    time.Duration
	now        func() time.Time
	bcryptCost int

	mu          sync.Mutex
	loaded      bool
	users       map[string]*userRecord // email -> record
	bookedGames map[string][]string    // gameID -> bookingIDs
	sessions    map[string]string      // token -> email
}

// Option はEngineの設定を変更する。
type Option func(*Engine)

// WithLatency は各操作の前に挿入する擬似的なネットワーク遅延を設定する。
func WithLatency(d time.Duration) Option {
	return func(e *Engine) { e.latency = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBcryptCost はパスワードハッシュのコストを設定する。
func WithBcryptCost(cost int) Option {
	return func(e *Engine) { e.bcryptCost = cost }
}

// WithEmailValidator はメールアドレスの検証方法を設定する。
func WithEmailValidator(v EmailValidator) Option {
	return func(e *Engine) { e.emails = v }
}

// WithSanitizer は表示用テキストの無害化方法を設定する。
func WithSanitizer(s TextSanitizer) Option {
	return func(e *Engine) { e.sanitizer = s }
}

// NewEngine はEngineを生成する。状態は最初の操作時にストレージから読み込む。
func NewEngine(storage repository.Storage, catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		storage:    storage,
		catalog:    catalog,
		logger:     slog.Default(),
		sanitizer:  security.NewTextSanitizer(),
		emails:     security.NewEmailPolicy(nil),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
		sessions:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// wait は擬似的な遅延を挿入する。コンテキストがキャンセルされた場合は変更前に中断する。
func (e *Engine) wait(ctx context.Context) error {
	if e.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ensureLoaded は未読み込みの場合にストレージから状態を読み込む。
// 呼び出し側でe.muを保持していること。
func (e *Engine) ensureLoaded(ctx context.Context) error {
	if e.loaded {
		return nil
	}

	var users map[string]*userRecord
	if ok, err := e.loadJSON(ctx, usersKey, &users); err != nil {
		return err
	} else if !ok || users == nil {
		users = make(map[string]*userRecord)
	}
	var booked map[string][]string
	if ok, err := e.loadJSON(ctx, bookedGamesKey, &booked); err != nil {
		return err
	} else if !ok || booked == nil {
		booked = make(map[string][]string)
	}

	e.users = users
	e.bookedGames = booked
	e.loaded = true
	return nil
}

// loadJSON はキーの値をJSONとして読み込む。
// キーが存在しない場合や値が壊れている場合はok=falseを返し、呼び出し側は空の状態から始める。
func (e *Engine) loadJSON(ctx context.Context, key string, dst any) (ok bool, err error) {
	raw, found, err := e.storage.GetItem(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if !found || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		e.logger.Warn("保存済みの状態を解析できないため空の状態から開始します",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return true, nil
}

// persist はユーザーと予約インデックスの両方を保存する。
// 失敗した場合はメモリ上の状態を破棄し、次の操作でストレージから読み直す。
// 呼び出し側でe.muを保持していること。
func (e *Engine) persist(ctx context.Context) error {
	if err := e.saveJSON(ctx, usersKey, e.users); err != nil {
		e.loaded = false
		return err
	}
	if err := e.saveJSON(ctx, bookedGamesKey, e.bookedGames); err != nil {
		e.loaded = false
		return err
	}
	return nil
}

func (e *Engine) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := e.storage.SetItem(ctx, key, string(data)); err != nil {
		e.logger.Error("状態の保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// lookupUser はメールアドレスからユーザーを探す。
// 呼び出し側でe.muを保持し、状態が読み込み済みであること。
func (e *Engine) lookupUser(email string) (*userRecord, error) {
	normalized, err := e.emails.Normalize(email)
	if err != nil {
		return nil, model.NewUserNotFoundError()
	}
	rec, ok := e.users[normalized]
	if !ok {
		return nil, model.NewUserNotFoundError()
	}
	return rec, nil
}

// begin は遅延の挿入、ロックの取得、状態の読み込みを行う。
// 成功した場合、呼び出し側は返されたunlockを必ず呼ぶこと。
func (e *Engine) begin(ctx context.Context) (unlock func(), err error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if err := e.ensureLoaded(ctx); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	return e.mu.Unlock, nil
}

// rejectBooking は予約拒否をメトリクスに記録してエラーを返す。
func (e *Engine) rejectBooking(err *model.APIError) error {
	if e.metrics != nil {
		e.metrics.RecordBookingRejected(err.Code)
	}
	return err
}
