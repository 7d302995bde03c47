// Package trigger は同期ジョブ投入の単一の入口を提供する。
// 手動同期・再接続・日次ロールオーバー・失敗期間の修復は全てReasonで区別し、同じ経路で台帳へ投入する。
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/brandsync/internal/ledger"
	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/planner"
	"github.com/hitoshi/brandsync/internal/repository"
)

const (
	// DefaultHistoryDays は初回同期で遡る既定の日数。
	DefaultHistoryDays = 365
	// DefaultRefreshDays はロールオーバーで再取得する直近の日数。
	DefaultRefreshDays = 3
)

// Enqueuer はジョブを台帳へ投入するインターフェース。
type Enqueuer interface {
	Enqueue(ctx context.Context, req ledger.EnqueueRequest) (ledger.EnqueueResult, error)
}

// JobLister はキーごとの最新の試行を返すインターフェース。
type JobLister interface {
	LatestJobs(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error)
}

// Config は投入する期間の決め方を表す。
type Config struct {
	ChunkDays   int
	HistoryDays int
	RefreshDays int
}

// Request は同期の要求を表す。
type Request struct {
	BrandID  string
	Platform model.Platform
	// Entities が空の場合はプラットフォームの全エンティティを対象にする。
	Entities []model.Entity
	// Range がnilの場合はReasonに応じた既定の期間を使う。
	Range  *model.DateRange
	Reason model.Reason
	Force  bool
}

// Result は投入結果を表す。
type Result struct {
	Enqueued int      `json:"enqueued"`
	Existing int      `json:"existing"`
	Skipped  int      `json:"skipped"`
	JobIDs   []string `json:"job_ids"`
}

func (r *Result) add(er ledger.EnqueueResult) {
	switch {
	case er.Skipped:
		r.Skipped++
	case er.Created:
		r.Enqueued++
	default:
		r.Existing++
	}
	r.JobIDs = append(r.JobIDs, er.JobID)
}

// RolloverResult は日次ロールオーバーの結果を表す。
type RolloverResult struct {
	Connections int      `json:"connections"`
	Enqueued    int      `json:"enqueued"`
	Errors      []string `json:"errors,omitempty"`
}

// Service は同期ジョブ投入のサービス。
type Service struct {
	conns  repository.ConnectionRepository
	ledger Enqueuer
	jobs   JobLister
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(conns repository.ConnectionRepository, l Enqueuer, jobs JobLister, logger *slog.Logger, cfg Config) *Service {
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = planner.DefaultChunkDays
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = DefaultHistoryDays
	}
	if cfg.RefreshDays <= 0 {
		cfg.RefreshDays = DefaultRefreshDays
	}
	return &Service{
		conns:  conns,
		ledger: l,
		jobs:   jobs,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// BackfillStart は新規接続の初回同期の開始日を返す。
func (s *Service) BackfillStart(createdAt time.Time) time.Time {
	return model.Day(createdAt).AddDate(0, 0, -s.cfg.HistoryDays)
}

// Trigger は要求に応じた期間をチャンクに分割して台帳へ投入する。
//   - manual / reconnect で期間指定なし: backfill_start から昨日までを初回同期として古い順に投入する
//   - manual で期間指定あり: 指定期間を投入する
//   - cron: 直近 RefreshDays 日を強制的に再取得する
//   - repair: リトライ上限に達した期間を再投入する
//   - gap: 指定期間を投入する（期間の指定が必須）
func (s *Service) Trigger(ctx context.Context, req Request) (Result, error) {
	conn, err := s.conns.Get(ctx, req.BrandID, req.Platform)
	if err != nil {
		return Result{}, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return Result{}, model.NewConnectionNotFoundError(req.Platform)
	}
	if !conn.Active() {
		return Result{}, model.NewConnectionInactiveError(req.Platform, conn.Status)
	}

	entities := req.Entities
	if len(entities) == 0 {
		entities, _ = model.ResolveEntities(req.Platform, nil)
	}

	if req.Reason == model.ReasonRepair {
		return s.repair(ctx, conn, entities)
	}

	r, initialLoad, force, ok, err := s.window(conn, req)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if !ok {
		return res, nil
	}
	chunks, err := planner.Plan(r, s.cfg.ChunkDays, planner.OldestFirst)
	if err != nil {
		return Result{}, model.NewInvalidRangeError(err.Error())
	}

	for _, entity := range entities {
		for _, c := range chunks {
			er, err := s.ledger.Enqueue(ctx, ledger.EnqueueRequest{
				BrandID:     conn.BrandID,
				Platform:    conn.Platform,
				Entity:      entity,
				Range:       c,
				Reason:      req.Reason,
				InitialLoad: initialLoad,
				Force:       force,
			})
			if err != nil {
				return res, fmt.Errorf("enqueue %s %s: %w", entity, c, err)
			}
			res.add(er)
		}
	}

	s.logger.Info("同期ジョブを投入しました",
		slog.String("brand_id", conn.BrandID),
		slog.String("platform", string(conn.Platform)),
		slog.String("reason", string(req.Reason)),
		slog.String("range", r.String()),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("existing", res.Existing),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// window は要求に対する投入期間を決める。投入する期間が無い場合はokがfalseになる。
func (s *Service) window(conn *model.Connection, req Request) (r model.DateRange, initialLoad, force, ok bool, err error) {
	yesterday := model.Day(s.now()).AddDate(0, 0, -1)
	start := model.Day(conn.BackfillStart)
	if conn.BackfillStart.IsZero() {
		start = s.BackfillStart(conn.CreatedAt)
	}

	switch req.Reason {
	case model.ReasonManual, model.ReasonReconnect:
		if req.Range != nil {
			r, err := clampRange(*req.Range, yesterday)
			if err != nil {
				return r, false, false, false, err
			}
			return r, false, req.Force, true, nil
		}
		if start.After(yesterday) {
			return r, false, false, false, nil
		}
		return model.DateRange{Start: start, End: yesterday}, true, req.Force, true, nil

	case model.ReasonCron:
		from := yesterday.AddDate(0, 0, -(s.cfg.RefreshDays - 1))
		if from.Before(start) {
			from = start
		}
		if from.After(yesterday) {
			return r, false, false, false, nil
		}
		return model.DateRange{Start: from, End: yesterday}, false, true, true, nil

	case model.ReasonGap:
		if req.Range == nil {
			return r, false, false, false, model.NewInvalidRangeError("gap sync requires start and end")
		}
		r, err := clampRange(*req.Range, yesterday)
		if err != nil {
			return r, false, false, false, err
		}
		return r, false, req.Force, true, nil
	}
	return r, false, false, false, model.NewInvalidReasonError(string(req.Reason))
}

// clampRange は指定期間の終了日を昨日までに切り詰める。
// 開始日が昨日より後の期間は取得できるデータが無いため不正とする。
func clampRange(r model.DateRange, yesterday time.Time) (model.DateRange, error) {
	if r.End.Before(r.Start) || model.Day(r.Start).After(yesterday) {
		return model.DateRange{}, model.NewInvalidRangeError(r.String())
	}
	if model.Day(r.End).After(yesterday) {
		r.End = yesterday
	}
	return r, nil
}

// repair はリトライ上限に達したキーを同じ期間で再投入する。
func (s *Service) repair(ctx context.Context, conn *model.Connection, entities []model.Entity) (Result, error) {
	latest, err := s.jobs.LatestJobs(ctx, conn.BrandID, conn.Platform)
	if err != nil {
		return Result{}, fmt.Errorf("list latest jobs: %w", err)
	}
	wanted := make(map[model.Entity]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}

	var res Result
	for _, j := range latest {
		if !j.Exhausted || !wanted[j.Entity] {
			continue
		}
		er, err := s.ledger.Enqueue(ctx, ledger.EnqueueRequest{
			BrandID:     j.BrandID,
			Platform:    j.Platform,
			Entity:      j.Entity,
			Range:       j.Range,
			Reason:      model.ReasonRepair,
			InitialLoad: j.InitialLoad,
		})
		if err != nil {
			return res, fmt.Errorf("enqueue %s: %w", j.JobKey, err)
		}
		res.add(er)
	}
	s.logger.Info("失敗した期間を再投入しました",
		slog.String("brand_id", conn.BrandID),
		slog.String("platform", string(conn.Platform)),
		slog.Int("enqueued", res.Enqueued),
	)
	return res, nil
}

// Rollover は全てのactiveな接続について直近の期間を再取得するジョブを投入する。
// 接続単位の失敗は結果のErrorsに記録して次の接続へ進む。
func (s *Service) Rollover(ctx context.Context) (RolloverResult, error) {
	conns, err := s.conns.ListActive(ctx)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("list active connections: %w", err)
	}

	var out RolloverResult
	for _, conn := range conns {
		res, err := s.Trigger(ctx, Request{BrandID: conn.BrandID, Platform: conn.Platform, Reason: model.ReasonCron})
		out.Connections++
		out.Enqueued += res.Enqueued
		if err != nil {
			s.logger.Error("ロールオーバーの投入に失敗しました",
				slog.String("brand_id", conn.BrandID),
				slog.String("platform", string(conn.Platform)),
				slog.String("error", err.Error()),
			)
			out.Errors = append(out.Errors, fmt.Sprintf("%s/%s: %v", conn.BrandID, conn.Platform, err))
		}
	}
	s.logger.Info("ロールオーバーが完了しました",
		slog.Int("connections", out.Connections),
		slog.Int("enqueued", out.Enqueued),
	)
	return out, nil
}
