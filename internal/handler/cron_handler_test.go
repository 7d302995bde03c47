package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/brandsync/internal/trigger"
	"github.com/hitoshi/brandsync/internal/worker/fetch"
	"github.com/hitoshi/brandsync/internal/worker/gaps"
)

// --- モック定義 ---

type mockDrainer struct {
	drainFn func(ctx context.Context, budget fetch.Budget) fetch.DrainResult
}

func (m *mockDrainer) Drain(ctx context.Context, budget fetch.Budget) fetch.DrainResult {
	return m.drainFn(ctx, budget)
}

type mockGapRunner struct {
	runFn func(ctx context.Context) (gaps.Result, error)
}

func (m *mockGapRunner) Run(ctx context.Context) (gaps.Result, error) {
	return m.runFn(ctx)
}

type mockRoller struct {
	rolloverFn func(ctx context.Context) (trigger.RolloverResult, error)
}

func (m *mockRoller) Rollover(ctx context.Context) (trigger.RolloverResult, error) {
	return m.rolloverFn(ctx)
}

func newCronHandler(d Drainer, g GapRunner, r Roller) *CronHandler {
	var buf bytes.Buffer
	return NewCronHandler(d, g, r, CronConfig{MaxJobs: 20, Budget: 55 * time.Second}, newTestLogger(&buf))
}

// --- Drain ---

func TestCronHandler_Drain_Success(t *testing.T) {
	fixed := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	d := &mockDrainer{drainFn: func(ctx context.Context, budget fetch.Budget) fetch.DrainResult {
		if budget.MaxJobs != 20 {
			t.Errorf("MaxJobs = %d, want 20", budget.MaxJobs)
		}
		if !budget.Deadline.Equal(fixed.Add(55 * time.Second)) {
			t.Errorf("Deadline = %v, want now+55s", budget.Deadline)
		}
		return fetch.DrainResult{Processed: 3, Completed: 3}
	}}
	h := newCronHandler(d, nil, nil)
	h.now = func() time.Time { return fixed }

	w := httptest.NewRecorder()
	h.Drain(w, httptest.NewRequest(http.MethodPost, "/api/cron/drain", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp cronResponse
	decodeBody(t, w, &resp)
	if !resp.Success || resp.Processed != 3 || len(resp.Errors) != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCronHandler_Drain_PartialFailureIs200WithSuccessFalse(t *testing.T) {
	d := &mockDrainer{drainFn: func(context.Context, fetch.Budget) fetch.DrainResult {
		return fetch.DrainResult{Processed: 2, Completed: 1, Failed: 1, Errors: []string{"job-2: total_fetch_failure"}}
	}}
	w := httptest.NewRecorder()
	newCronHandler(d, nil, nil).Drain(w, httptest.NewRequest(http.MethodGet, "/api/cron/drain", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp cronResponse
	decodeBody(t, w, &resp)
	if resp.Success {
		t.Error("success must be false when a job failed")
	}
	if resp.Processed != 2 || len(resp.Errors) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCronHandler_Drain_FatalIs500(t *testing.T) {
	d := &mockDrainer{drainFn: func(context.Context, fetch.Budget) fetch.DrainResult {
		return fetch.DrainResult{Fatal: errors.New("database unavailable")}
	}}
	w := httptest.NewRecorder()
	newCronHandler(d, nil, nil).Drain(w, httptest.NewRequest(http.MethodPost, "/api/cron/drain", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp cronResponse
	decodeBody(t, w, &resp)
	if resp.Success || len(resp.Errors) != 1 || resp.Errors[0] != "database unavailable" {
		t.Errorf("unexpected response %+v", resp)
	}
}

// --- Gaps ---

func TestCronHandler_Gaps(t *testing.T) {
	tests := []struct {
		name        string
		result      gaps.Result
		err         error
		wantStatus  int
		wantSuccess bool
	}{
		{
			name:        "全接続成功",
			result:      gaps.Result{Connections: 4, MissingDays: 4, Enqueued: 2},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
		},
		{
			name:        "一部の接続で失敗",
			result:      gaps.Result{Connections: 4, Errors: []string{"brand-1/meta: boom"}},
			wantStatus:  http.StatusOK,
			wantSuccess: false,
		},
		{
			name:       "接続一覧の取得に失敗",
			err:        errors.New("list active connections: boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &mockGapRunner{runFn: func(context.Context) (gaps.Result, error) { return tt.result, tt.err }}
			w := httptest.NewRecorder()
			newCronHandler(nil, g, nil).Gaps(w, httptest.NewRequest(http.MethodGet, "/api/cron/gaps", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp cronResponse
			decodeBody(t, w, &resp)
			if resp.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v", resp.Success, tt.wantSuccess)
			}
			if tt.err == nil && resp.Processed != tt.result.Connections {
				t.Errorf("processed = %d, want %d", resp.Processed, tt.result.Connections)
			}
		})
	}
}

// --- Rollover ---

func TestCronHandler_Rollover(t *testing.T) {
	r := &mockRoller{rolloverFn: func(context.Context) (trigger.RolloverResult, error) {
		return trigger.RolloverResult{Connections: 3, Enqueued: 6}, nil
	}}
	w := httptest.NewRecorder()
	newCronHandler(nil, nil, r).Rollover(w, httptest.NewRequest(http.MethodPost, "/api/cron/rollover", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp cronResponse
	decodeBody(t, w, &resp)
	if !resp.Success || resp.Processed != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Errors == nil {
		t.Error("errors must be an empty list, not null")
	}
}

func TestCronHandler_Rollover_ErrorIs500(t *testing.T) {
	r := &mockRoller{rolloverFn: func(context.Context) (trigger.RolloverResult, error) {
		return trigger.RolloverResult{}, errors.New("boom")
	}}
	w := httptest.NewRecorder()
	newCronHandler(nil, nil, r).Rollover(w, httptest.NewRequest(http.MethodPost, "/api/cron/rollover", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
