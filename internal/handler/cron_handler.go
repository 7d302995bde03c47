package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/brandsync/internal/trigger"
	"github.com/hitoshi/brandsync/internal/worker/fetch"
	"github.com/hitoshi/brandsync/internal/worker/gaps"
)

// Drainer は台帳のジョブを予算の範囲で処理するインターフェース。
type Drainer interface {
	Drain(ctx context.Context, budget fetch.Budget) fetch.DrainResult
}

// GapRunner は全接続の欠損検出を行うインターフェース。
type GapRunner interface {
	Run(ctx context.Context) (gaps.Result, error)
}

// Roller は全接続の日次ロールオーバーを投入するインターフェース。
type Roller interface {
	Rollover(ctx context.Context) (trigger.RolloverResult, error)
}

// CronConfig はcron起動時のドレイン予算。
type CronConfig struct {
	MaxJobs int
	Budget  time.Duration
}

// cronResponse はcronエンドポイントのレスポンス。
// 一部の処理が失敗した場合もステータスは200で、successがfalseになる。
type cronResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
	Detail    any      `json:"detail,omitempty"`
}

// CronHandler は外部スケジューラから呼ばれるcronエンドポイントのハンドラー。
type CronHandler struct {
	drainer Drainer
	gaps    GapRunner
	roller  Roller
	cfg     CronConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewCronHandler はCronHandlerを生成する。
func NewCronHandler(drainer Drainer, gapRunner GapRunner, roller Roller, cfg CronConfig, logger *slog.Logger) *CronHandler {
	return &CronHandler{
		drainer: drainer,
		gaps:    gapRunner,
		roller:  roller,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Drain は予算の範囲でジョブを処理する。
// GET/POST /api/cron/drain
func (h *CronHandler) Drain(w http.ResponseWriter, r *http.Request) {
	res := h.drainer.Drain(r.Context(), fetch.Budget{
		MaxJobs:  h.cfg.MaxJobs,
		Deadline: h.now().Add(h.cfg.Budget),
	})

	if res.Fatal != nil {
		h.logger.Error("ドレインに失敗しました", slog.String("error", res.Fatal.Error()))
		writeJSON(w, http.StatusInternalServerError, cronResponse{
			Success: false,
			Errors:  append(nonNil(res.Errors), res.Fatal.Error()),
		})
		return
	}

	writeJSON(w, http.StatusOK, cronResponse{
		Success:   len(res.Errors) == 0,
		Processed: res.Processed,
		Errors:    nonNil(res.Errors),
		Detail: map[string]int{
			"completed": res.Completed,
			"released":  res.Released,
			"failed":    res.Failed,
			"exhausted": res.Exhausted,
			"reclaimed": res.Reclaimed,
		},
	})
}

// Gaps は全接続の欠損検出を行う。
// GET/POST /api/cron/gaps
func (h *CronHandler) Gaps(w http.ResponseWriter, r *http.Request) {
	res, err := h.gaps.Run(r.Context())
	if err != nil {
		h.logger.Error("欠損検出に失敗しました", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, cronResponse{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, cronResponse{
		Success:   len(res.Errors) == 0,
		Processed: res.Connections,
		Errors:    nonNil(res.Errors),
		Detail:    res,
	})
}

// Rollover は全接続に直近数日の再取得を投入する。
// GET/POST /api/cron/rollover
func (h *CronHandler) Rollover(w http.ResponseWriter, r *http.Request) {
	res, err := h.roller.Rollover(r.Context())
	if err != nil {
		h.logger.Error("ロールオーバーに失敗しました", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, cronResponse{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, cronResponse{
		Success:   len(res.Errors) == 0,
		Processed: res.Connections,
		Errors:    nonNil(res.Errors),
		Detail:    res,
	})
}

func nonNil(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}
