package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pickleplay/internal/cache"
	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/model"
)

// MeServiceInterface は認証済みユーザー自身の操作に必要なサービスインターフェース。
// booking.Engineが実装する。
type MeServiceInterface interface {
	GetUser(ctx context.Context, email string) (*model.User, error)
	UpdateProfile(ctx context.Context, email string, upd model.ProfileUpdate) (*model.User, error)
	ListBookings(ctx context.Context, email string, status model.BookingStatus) ([]model.Booking, error)
	CancelBooking(ctx context.Context, email, bookingID string) error
	ClearBookedGames(ctx context.Context, email string) error
}

// MeHandler は /api/me 配下のHTTPハンドラー。
type MeHandler struct {
	service MeServiceInterface
	cache   *cache.Service
}

// NewMeHandler はMeHandlerを生成する。
// cacheは予約変更時にゲーム一覧を破棄するために使う（nil可）。
func NewMeHandler(service MeServiceInterface, c *cache.Service) *MeHandler {
	return &MeHandler{service: service, cache: c}
}

// Me は現在のユーザーを返す。
// GET /api/me
func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, u)
}

// UpdateProfile はプロフィールの許可された項目を更新する。
// PATCH /api/me/profile
func (h *MeHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	var upd model.ProfileUpdate
	if !decodeBody(w, r, &upd) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), email, upd)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, u)
}

// ListBookings はユーザーの予約を返す。クエリパラメータstatusで絞り込む。
// GET /api/me/bookings
func (h *MeHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	status := model.BookingStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.BookingStatusUpcoming, model.BookingStatusCompleted, model.BookingStatusCancelled:
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("unknown booking status "+string(status)))
		return
	}

	bookings, err := h.service.ListBookings(r.Context(), email, status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, bookings)
}

// CancelBooking は予約をキャンセルする。
// DELETE /api/me/bookings/{id}
func (h *MeHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelBooking(r.Context(), email, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	invalidateGames(r.Context(), h.cache)
	w.WriteHeader(http.StatusNoContent)
}

// ClearBookings はユーザーの予約をすべて削除する。
// DELETE /api/me/bookings
func (h *MeHandler) ClearBookings(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearBookedGames(r.Context(), email); err != nil {
		handleServiceError(w, err)
		return
	}

	invalidateGames(r.Context(), h.cache)
	w.WriteHeader(http.StatusNoContent)
}
