package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pickleplay/internal/booking"
	"github.com/hitoshi/pickleplay/internal/cache"
	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/model"
)

// GamesCacheKey はゲーム一覧（フィルタなし）のキャッシュキー。
// リフレッシュワーカーも同じキーで登録する。
const GamesCacheKey = "games"

// cacheStatusHeader はゲーム一覧のキャッシュ参照結果を返すレスポンスヘッダー。
const cacheStatusHeader = "X-Cache"

// GameServiceInterface はゲームハンドラーが必要とするサービスインターフェース。
// booking.Engineが実装する。
type GameServiceInterface interface {
	ListGames(ctx context.Context, filter model.GameFilter) ([]booking.GameAvailability, error)
	GetGame(ctx context.Context, gameID string) (*booking.GameAvailability, error)
	GetGameBookings(ctx context.Context, gameID string) int
	GetRegisteredPlayers(ctx context.Context, gameID string) []model.Player
	BookGame(ctx context.Context, email, gameID string) (*model.Booking, error)
}

// GameHandler はゲーム一覧と予約のHTTPハンドラー。
type GameHandler struct {
	service  GameServiceInterface
	cache    *cache.Service
	cacheCfg *cache.Config
}

// NewGameHandler はGameHandlerを生成する。
// cacheがnilの場合はゲーム一覧を毎回エンジンから取得する。
func NewGameHandler(service GameServiceInterface, c *cache.Service, cacheCfg *cache.Config) *GameHandler {
	return &GameHandler{service: service, cache: c, cacheCfg: cacheCfg}
}

type bookingCountResponse struct {
	GameID string `json:"gameId"`
	Count  int    `json:"count"`
}

// ListGames はゲーム一覧を予約状況付きで返す。
// クエリパラメータskill_level、locationで絞り込む。
// GET /api/games
func (h *GameHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.GameFilter{
		SkillLevel: q.Get("skill_level"),
		Location:   q.Get("location"),
	}

	games, status, err := h.allGames(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]booking.GameAvailability, 0, len(games))
	for i := range games {
		if filter.Match(&games[i].Game) {
			out = append(out, games[i])
		}
	}

	if status != "" {
		w.Header().Set(cacheStatusHeader, string(status))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

// allGames はフィルタなしのゲーム一覧をキャッシュ経由で取得する。
func (h *GameHandler) allGames(ctx context.Context) ([]booking.GameAvailability, cache.Status, error) {
	fetch := func(ctx context.Context) ([]booking.GameAvailability, error) {
		return h.service.ListGames(ctx, model.GameFilter{})
	}
	if h.cache == nil {
		games, err := fetch(ctx)
		return games, "", err
	}
	return cache.Fetch(ctx, h.cache, GamesCacheKey, fetch, h.cacheCfg)
}

// GetGame はゲーム詳細を予約状況付きで返す。
// GET /api/games/{id}
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.service.GetGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, game)
}

// GetBookingCount はゲームの予約数を返す。未知のゲームは0件として扱う。
// GET /api/games/{id}/bookings
func (h *GameHandler) GetBookingCount(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	middleware.WriteJSON(w, http.StatusOK, bookingCountResponse{
		GameID: gameID,
		Count:  h.service.GetGameBookings(r.Context(), gameID),
	})
}

// GetPlayers はゲームの予約者一覧を返す。
// GET /api/games/{id}/players
func (h *GameHandler) GetPlayers(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.service.GetRegisteredPlayers(r.Context(), chi.URLParam(r, "id")))
}

// BookGame は認証済みユーザーのゲーム予約を作成する。
// POST /api/games/{id}/bookings
func (h *GameHandler) BookGame(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	b, err := h.service.BookGame(r.Context(), email, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	invalidateGames(r.Context(), h.cache)
	middleware.WriteJSON(w, http.StatusCreated, b)
}

// invalidateGames は予約状況が変わったときにゲーム一覧のキャッシュを破棄する。
// 破棄に失敗しても操作自体は成功しているため、ログのみ出力する。
func invalidateGames(ctx context.Context, c *cache.Service) {
	if c == nil {
		return
	}
	if err := c.Invalidate(ctx, GamesCacheKey); err != nil {
		slog.Warn("ゲーム一覧キャッシュの破棄に失敗しました", slog.String("error", err.Error()))
	}
}

// compile-time interface check
var _ BookingService = (*booking.Engine)(nil)
