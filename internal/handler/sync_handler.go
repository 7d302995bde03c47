package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/brandsync/internal/middleware"
	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/trigger"
)

// TriggerServiceInterface は同期ハンドラーが必要とする同期投入インターフェース。
type TriggerServiceInterface interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

// StatusServiceInterface は同期状況の再計算インターフェース。
type StatusServiceInterface interface {
	Recompute(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error)
}

// ConnectionLister はブランドの接続一覧を取得するインターフェース。
type ConnectionLister interface {
	ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error)
}

// SyncHandler は手動同期と同期状況のHTTPハンドラー。
type SyncHandler struct {
	trigger  TriggerServiceInterface
	statuses StatusServiceInterface
	conns    ConnectionLister
	logger   *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(t TriggerServiceInterface, statuses StatusServiceInterface, conns ConnectionLister, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{trigger: t, statuses: statuses, conns: conns, logger: logger}
}

// syncRequest は同期リクエストのボディ。
type syncRequest struct {
	Platform string   `json:"platform"`
	Reason   string   `json:"reason"`
	Entities []string `json:"entities"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Force    bool     `json:"force"`
}

// Sync は同期ジョブを投入する。
// POST /api/brands/{brandID}/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, apiErr := body.toTriggerRequest(chi.URLParam(r, "brandID"))
	if apiErr != nil {
		middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
		return
	}

	res, err := h.trigger.Trigger(r.Context(), req)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if res.JobIDs == nil {
		res.JobIDs = []string{}
	}
	writeJSON(w, http.StatusAccepted, res)
}

// toTriggerRequest はリクエストボディを検証してtrigger.Requestに変換する。
// APIから指定できる理由は manual / reconnect / repair のみ。
func (b syncRequest) toTriggerRequest(brandID string) (trigger.Request, *model.APIError) {
	platform, err := model.ParsePlatform(b.Platform)
	if err != nil {
		return trigger.Request{}, model.NewInvalidPlatformError(b.Platform)
	}

	reason := model.ReasonManual
	if b.Reason != "" {
		reason, err = model.ParseReason(b.Reason)
		if err != nil || !reason.Explicit() {
			return trigger.Request{}, model.NewInvalidReasonError(b.Reason)
		}
	}

	entities, err := model.ResolveEntities(platform, b.Entities)
	if err != nil {
		if apiErr, ok := err.(*model.APIError); ok {
			return trigger.Request{}, apiErr
		}
		return trigger.Request{}, model.NewInvalidRequestError(err.Error())
	}

	req := trigger.Request{
		BrandID:  brandID,
		Platform: platform,
		Entities: entities,
		Reason:   reason,
		Force:    b.Force,
	}
	if b.Start != "" || b.End != "" {
		if b.Start == "" || b.End == "" {
			return trigger.Request{}, model.NewInvalidRangeError("start と end は両方指定してください")
		}
		dr, err := model.ParseDateRange(b.Start, b.End)
		if err != nil {
			return trigger.Request{}, model.NewInvalidRangeError(err.Error())
		}
		req.Range = &dr
	}
	return req, nil
}

// Status はブランドの同期状況を台帳から再計算して返す。
// platformクエリが無い場合は接続済みの全プラットフォームを返す。
// GET /api/brands/{brandID}/sync-status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	brandID := chi.URLParam(r, "brandID")

	var platforms []model.Platform
	if q := r.URL.Query().Get("platform"); q != "" {
		p, err := model.ParsePlatform(q)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		platforms = []model.Platform{p}
	} else {
		conns, err := h.conns.ListByBrand(r.Context(), brandID)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		for _, c := range conns {
			platforms = append(platforms, c.Platform)
		}
	}

	statuses := make([]*model.SyncStatus, 0, len(platforms))
	for _, p := range platforms {
		st, err := h.statuses.Recompute(r.Context(), brandID, p)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, statuses)
}
