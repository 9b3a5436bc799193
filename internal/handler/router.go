package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pickleplay/internal/cache"
	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/repository"
)

// BookingService はルーターが必要とするエンジンの操作をまとめたインターフェース。
// booking.Engineが実装する。
type BookingService interface {
	AuthServiceInterface
	GameServiceInterface
	MeServiceInterface
	middleware.TokenAuthenticator
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusMetrics     middleware.StatusMetrics

	// ブッキングエンジン
	Service BookingService

	// ゲーム一覧キャッシュ（nil可）
	Cache          *cache.Service
	GamesCacheConf *cache.Config

	// ヘルスチェック・メトリクス（nil可）
	Health         repository.HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → SessionMiddleware → RateLimit(General)
//
// 認証ルート（/auth/*）とゲーム閲覧はSession以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Service)
	gameHandler := NewGameHandler(deps.Service, deps.Cache, deps.GamesCacheConf)
	meHandler := NewMeHandler(deps.Service, deps.Cache)

	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
			r.Post("/verify-email", authHandler.VerifyEmail)
			r.Post("/resend-verification", authHandler.ResendVerification)
			r.Post("/password-reset", authHandler.RequestPasswordReset)
			r.Post("/password-reset/confirm", authHandler.ConfirmPasswordReset)
			r.Post("/social", authHandler.SocialAuth)
			r.Post("/logout", authHandler.Logout)
		})

		// POST /api/games/{id}/bookings は認証ルート側で登録するため、サブルーターにしない
		r.Get("/api/games", gameHandler.ListGames)
		r.Get("/api/games/{id}", gameHandler.GetGame)
		r.Get("/api/games/{id}/bookings", gameHandler.GetBookingCount)
		r.Get("/api/games/{id}/players", gameHandler.GetPlayers)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Service))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /api/games/{id}/bookings - 予約（予約専用レート制限を追加）
		r.With(deps.RateLimiter.BookingMiddleware()).Post("/api/games/{id}/bookings", gameHandler.BookGame)

		r.Route("/api/me", func(r chi.Router) {
			r.Get("/", meHandler.Me)
			r.Patch("/profile", meHandler.UpdateProfile)
			r.Get("/bookings", meHandler.ListBookings)
			r.Delete("/bookings", meHandler.ClearBookings)
			r.With(deps.RateLimiter.BookingMiddleware()).Delete("/bookings/{id}", meHandler.CancelBooking)
		})
	})

	return r
}
