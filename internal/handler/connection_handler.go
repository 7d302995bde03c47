package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/brandsync/internal/connection"
	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/trigger"
)

// ConnectionServiceInterface は接続ハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	Connect(ctx context.Context, req connection.ConnectRequest) (*connection.ConnectResult, error)
	Disconnect(ctx context.Context, brandID string, platform model.Platform) error
	ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error)
}

// ConnectionHandler はプラットフォーム接続のHTTPハンドラー。
type ConnectionHandler struct {
	service ConnectionServiceInterface
	logger  *slog.Logger
}

// NewConnectionHandler はConnectionHandlerを生成する。
func NewConnectionHandler(service ConnectionServiceInterface, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{service: service, logger: logger}
}

// connectRequest は接続登録リクエストのボディ。
type connectRequest struct {
	Platform          string `json:"platform"`
	ExternalAccountID string `json:"external_account_id"`
	AccessToken       string `json:"access_token"`
}

// connectionResponse は接続情報のAPIレスポンス。認証情報は含めない。
type connectionResponse struct {
	ID                string          `json:"id"`
	BrandID           string          `json:"brand_id"`
	Platform          string          `json:"platform"`
	ExternalAccountID string          `json:"external_account_id"`
	Status            string          `json:"status"`
	BackfillStart     string          `json:"backfill_start"`
	LastSyncedAt      *time.Time      `json:"last_synced_at,omitempty"`
	SyncedThrough     string          `json:"synced_through,omitempty"`
	Reconnect         bool            `json:"reconnect,omitempty"`
	Sync              *trigger.Result `json:"sync,omitempty"`
}

// Connect はプラットフォームを接続し、初回同期を投入する。
// POST /api/brands/{brandID}/connections
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	res, err := h.service.Connect(r.Context(), connection.ConnectRequest{
		BrandID:           chi.URLParam(r, "brandID"),
		Platform:          platform,
		ExternalAccountID: req.ExternalAccountID,
		AccessToken:       req.AccessToken,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := toConnectionResponse(res.Connection)
	resp.Reconnect = res.Reconnect
	resp.Sync = &res.Sync
	writeJSON(w, http.StatusCreated, resp)
}

// Disconnect は接続を解除し、プラットフォームのデータを削除する。
// DELETE /api/brands/{brandID}/connections/{platform}
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	platform, err := model.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if err := h.service.Disconnect(r.Context(), chi.URLParam(r, "brandID"), platform); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List はブランドの接続一覧を返す。
// GET /api/brands/{brandID}/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	conns, err := h.service.ListByBrand(r.Context(), chi.URLParam(r, "brandID"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		resp = append(resp, toConnectionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// toConnectionResponse はmodel.ConnectionからAPIレスポンスに変換する。
func toConnectionResponse(c *model.Connection) connectionResponse {
	resp := connectionResponse{
		ID:                c.ID,
		BrandID:           c.BrandID,
		Platform:          string(c.Platform),
		ExternalAccountID: c.ExternalAccountID,
		Status:            string(c.Status),
		LastSyncedAt:      c.LastSyncedAt,
	}
	if !c.BackfillStart.IsZero() {
		resp.BackfillStart = c.BackfillStart.Format(model.DateLayout)
	}
	if c.SyncedThrough != nil {
		resp.SyncedThrough = c.SyncedThrough.Format(model.DateLayout)
	}
	return resp
}
