package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/trigger"
)

// mockTriggerService はTriggerServiceInterfaceのモック実装。
type mockTriggerService struct {
	triggerFn func(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

func (m *mockTriggerService) Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error) {
	if m.triggerFn != nil {
		return m.triggerFn(ctx, req)
	}
	return trigger.Result{}, nil
}

// mockStatusService はStatusServiceInterfaceのモック実装。
type mockStatusService struct {
	recomputeFn func(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error)
}

func (m *mockStatusService) Recompute(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
	return m.recomputeFn(ctx, brandID, platform)
}

func newSyncHandler(tr TriggerServiceInterface, st StatusServiceInterface, conns ConnectionLister) *SyncHandler {
	var buf bytes.Buffer
	return NewSyncHandler(tr, st, conns, newTestLogger(&buf))
}

func postSync(h *SyncHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/brands/brand-1/sync", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Sync(w, withChiURLParams(req, "brandID", "brand-1"))
	return w
}

// --- POST /api/brands/{brandID}/sync ---

func TestSyncHandler_Sync_DefaultsToManualBackfill(t *testing.T) {
	tr := &mockTriggerService{triggerFn: func(ctx context.Context, req trigger.Request) (trigger.Result, error) {
		if req.BrandID != "brand-1" || req.Platform != model.PlatformMeta {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Reason != model.ReasonManual {
			t.Errorf("Reason = %q, want manual", req.Reason)
		}
		if req.Range != nil {
			t.Errorf("Range = %v, want nil", req.Range)
		}
		if len(req.Entities) != 2 {
			t.Errorf("Entities = %v, want all meta entities", req.Entities)
		}
		return trigger.Result{Enqueued: 3, JobIDs: []string{"a", "b", "c"}}, nil
	}}

	w := postSync(newSyncHandler(tr, nil, nil), `{"platform":"meta"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp trigger.Result
	decodeBody(t, w, &resp)
	if resp.Enqueued != 3 || len(resp.JobIDs) != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSyncHandler_Sync_WithRangeAndEntities(t *testing.T) {
	tr := &mockTriggerService{triggerFn: func(ctx context.Context, req trigger.Request) (trigger.Result, error) {
		if req.Range == nil || req.Range.String() != "2024-01-01:2024-01-31" {
			t.Errorf("Range = %v", req.Range)
		}
		if len(req.Entities) != 1 || req.Entities[0] != model.EntityOrders {
			t.Errorf("Entities = %v", req.Entities)
		}
		if !req.Force {
			t.Error("Force should be passed through")
		}
		return trigger.Result{Existing: 2}, nil
	}}

	w := postSync(newSyncHandler(tr, nil, nil),
		`{"platform":"shopify","entities":["orders"],"start":"2024-01-01","end":"2024-01-31","force":true}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp trigger.Result
	decodeBody(t, w, &resp)
	if resp.JobIDs == nil {
		t.Error("job_ids must be an empty list, not null")
	}
}

func TestSyncHandler_Sync_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "終了日が開始日より前", body: `{"platform":"meta","start":"2024-02-01","end":"2024-01-01"}`, wantCode: model.ErrCodeInvalidRange},
		{name: "日付形式が不正", body: `{"platform":"meta","start":"2024/01/01","end":"2024-01-31"}`, wantCode: model.ErrCodeInvalidRange},
		{name: "終了日のみ", body: `{"platform":"meta","end":"2024-01-31"}`, wantCode: model.ErrCodeInvalidRange},
		{name: "未対応のプラットフォーム", body: `{"platform":"tiktok"}`, wantCode: model.ErrCodeInvalidPlatform},
		{name: "他プラットフォームのエンティティ", body: `{"platform":"meta","entities":["orders"]}`, wantCode: model.ErrCodeInvalidEntity},
		{name: "APIから指定できない理由", body: `{"platform":"meta","reason":"cron"}`, wantCode: model.ErrCodeInvalidReason},
		{name: "未知の理由", body: `{"platform":"meta","reason":"nightly"}`, wantCode: model.ErrCodeInvalidReason},
		{name: "JSONが不正", body: `{"platform":`, wantCode: model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTriggerService{triggerFn: func(context.Context, trigger.Request) (trigger.Result, error) {
				t.Fatal("trigger must not be called for an invalid request")
				return trigger.Result{}, nil
			}}
			w := postSync(newSyncHandler(tr, nil, nil), tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestSyncHandler_Sync_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "未接続", err: model.NewConnectionNotFoundError(model.PlatformMeta), wantStatus: http.StatusNotFound},
		{name: "接続が無効", err: model.NewConnectionInactiveError(model.PlatformMeta, model.ConnectionExpired), wantStatus: http.StatusConflict},
		{name: "台帳の範囲エラー", err: &model.SyncError{Kind: model.KindInvalidRange, Message: "invalid range"}, wantStatus: http.StatusBadRequest},
		{name: "内部エラー", err: errors.New("enqueue: boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTriggerService{triggerFn: func(context.Context, trigger.Request) (trigger.Result, error) {
				return trigger.Result{}, tt.err
			}}
			w := postSync(newSyncHandler(tr, nil, nil), `{"platform":"meta","reason":"repair"}`)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- GET /api/brands/{brandID}/sync-status ---

func TestSyncHandler_Status_AllConnectedPlatforms(t *testing.T) {
	conns := &mockConnectionService{listByBrandFn: func(ctx context.Context, brandID string) ([]*model.Connection, error) {
		return []*model.Connection{
			{BrandID: brandID, Platform: model.PlatformMeta},
			{BrandID: brandID, Platform: model.PlatformShopify},
		}, nil
	}}
	var recomputed []model.Platform
	st := &mockStatusService{recomputeFn: func(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
		recomputed = append(recomputed, platform)
		return &model.SyncStatus{BrandID: brandID, Platform: platform, Phase: model.PhaseCompleted, Percent: 100}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/brands/brand-1/sync-status", nil)
	w := httptest.NewRecorder()
	newSyncHandler(nil, st, conns).Status(w, withChiURLParams(req, "brandID", "brand-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp []model.SyncStatus
	decodeBody(t, w, &resp)
	if len(resp) != 2 || len(recomputed) != 2 {
		t.Fatalf("got %d statuses, recomputed %v", len(resp), recomputed)
	}
	if resp[0].Platform != model.PlatformMeta || resp[1].Platform != model.PlatformShopify {
		t.Errorf("unexpected order %+v", resp)
	}
}

func TestSyncHandler_Status_SinglePlatform(t *testing.T) {
	conns := &mockConnectionService{listByBrandFn: func(context.Context, string) ([]*model.Connection, error) {
		t.Fatal("connections must not be listed when platform is given")
		return nil, nil
	}}
	st := &mockStatusService{recomputeFn: func(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
		if platform != model.PlatformShopify {
			t.Errorf("platform = %q, want shopify", platform)
		}
		return &model.SyncStatus{BrandID: brandID, Platform: platform, Phase: model.PhaseHistorical, Percent: 70}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/brands/brand-1/sync-status?platform=shopify", nil)
	w := httptest.NewRecorder()
	newSyncHandler(nil, st, conns).Status(w, withChiURLParams(req, "brandID", "brand-1"))

	var resp []model.SyncStatus
	decodeBody(t, w, &resp)
	if len(resp) != 1 || resp[0].Percent != 70 || resp[0].Phase != model.PhaseHistorical {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSyncHandler_Status_InvalidPlatform(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/brands/brand-1/sync-status?platform=tiktok", nil)
	w := httptest.NewRecorder()
	newSyncHandler(nil, nil, nil).Status(w, withChiURLParams(req, "brandID", "brand-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
