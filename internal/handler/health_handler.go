package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/brandsync/internal/repository"
)

// healthCheckTimeout はヘルスチェック時のデータストア疎通確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// NewHealthHandler はデータストアの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func NewHealthHandler(pinger repository.Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := pinger.PingContext(ctx); err != nil {
			logger.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
