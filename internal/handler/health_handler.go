package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/repository"
)

// healthTimeout はヘルスチェック1回あたりの疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewHealthHandler はストレージの疎通を確認するハンドラーを返す。
// checkerがnilの場合は常にokを返す。
// GET /health
func NewHealthHandler(checker repository.HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := checker.Ping(ctx); err != nil {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
		middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
