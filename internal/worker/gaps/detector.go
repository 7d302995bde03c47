// Package gaps は保存済みデータの日次網羅性を検査し、欠損・異常な日を台帳へ再投入する。
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/brandsync/internal/ledger"
	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/planner"
	"github.com/hitoshi/brandsync/internal/repository"
)

// DefaultHistoryDays は backfill_start が未設定の接続で遡る日数。
const DefaultHistoryDays = 365

// Enqueuer はジョブを台帳へ投入するインターフェース。
type Enqueuer interface {
	Enqueue(ctx context.Context, req ledger.EnqueueRequest) (ledger.EnqueueResult, error)
}

// JobLister はキーごとの最新の試行を返すインターフェース。
type JobLister interface {
	LatestJobs(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error)
}

// MetricsRecorder は欠損検出のメトリクスを記録するインターフェース。
type MetricsRecorder interface {
	RecordGapDays(platform, entity, kind string, days int)
}

// Config は欠損検出の設定を表す。
type Config struct {
	ChunkDays   int
	HistoryDays int
}

// Result は欠損検出の結果を表す。
type Result struct {
	Connections int      `json:"connections"`
	MissingDays int      `json:"missing_days"`
	StaleDays   int      `json:"stale_days"`
	Enqueued    int      `json:"enqueued"`
	Errors      []string `json:"errors,omitempty"`
}

func (r *Result) merge(o Result) {
	r.MissingDays += o.MissingDays
	r.StaleDays += o.StaleDays
	r.Enqueued += o.Enqueued
	r.Errors = append(r.Errors, o.Errors...)
}

// Detector は欠損検出を行う。
type Detector struct {
	conns   repository.ConnectionRepository
	facts   repository.FactRepository
	jobs    JobLister
	ledger  Enqueuer
	metrics MetricsRecorder
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewDetector はDetectorの新しいインスタンスを生成する。
func NewDetector(
	conns repository.ConnectionRepository,
	facts repository.FactRepository,
	jobs JobLister,
	l Enqueuer,
	metrics MetricsRecorder,
	logger *slog.Logger,
	cfg Config,
) *Detector {
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = planner.DefaultChunkDays
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = DefaultHistoryDays
	}
	return &Detector{
		conns:   conns,
		facts:   facts,
		jobs:    jobs,
		ledger:  l,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run は全てのactiveな接続について欠損検出を行う。
// 接続単位の失敗は結果のErrorsに記録して次の接続へ進む。
// 接続一覧の取得に失敗した場合のみエラーを返す。
func (d *Detector) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	conns, err := d.conns.ListActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active connections: %w", err)
	}

	var res Result
	for _, conn := range conns {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			break
		}
		r, err := d.Detect(ctx, conn)
		res.merge(r)
		res.Connections++
		if err != nil {
			d.logger.Error("欠損検出に失敗しました",
				slog.String("brand_id", conn.BrandID),
				slog.String("platform", string(conn.Platform)),
				slog.String("error", err.Error()),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %v", conn.BrandID, conn.Platform, err))
		}
	}

	d.logger.Info("欠損検出が完了しました",
		slog.Int("connections", res.Connections),
		slog.Int("missing_days", res.MissingDays),
		slog.Int("stale_days", res.StaleDays),
		slog.Int("enqueued", res.Enqueued),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// Expected は接続について取得済みであるべき期間を返す。
// 昨日までに期待する日が無い場合はfalseを返す。
func (d *Detector) Expected(conn *model.Connection) (model.DateRange, bool) {
	yesterday := model.Day(d.now()).AddDate(0, 0, -1)
	start := model.Day(conn.BackfillStart)
	if conn.BackfillStart.IsZero() {
		start = model.Day(conn.CreatedAt).AddDate(0, 0, -d.cfg.HistoryDays)
	}
	if start.After(yesterday) {
		return model.DateRange{}, false
	}
	return model.DateRange{Start: start, End: yesterday}, true
}

// Detect は1件の接続について欠損検出を行い、見つかった期間を投入する。
func (d *Detector) Detect(ctx context.Context, conn *model.Connection) (Result, error) {
	var res Result
	expected, ok := d.Expected(conn)
	if !ok {
		return res, nil
	}

	latest, err := d.jobs.LatestJobs(ctx, conn.BrandID, conn.Platform)
	if err != nil {
		return res, fmt.Errorf("list latest jobs: %w", err)
	}

	for _, spec := range model.EntitiesFor(conn.Platform) {
		if !spec.GapTracked {
			continue
		}
		log := d.logger.With(
			slog.String("brand_id", conn.BrandID),
			slog.String("platform", string(conn.Platform)),
			slog.String("entity", string(spec.Entity)),
		)

		missing, stale, err := d.scan(ctx, conn.BrandID, spec, expected)
		if err != nil {
			return res, fmt.Errorf("scan %s: %w", spec.Entity, err)
		}
		busy := busyRanges(latest, spec.Entity)
		missing = exclude(missing, busy)
		stale = exclude(exclude(stale, busy), refetchedRanges(latest, spec.Entity))
		res.MissingDays += len(missing)
		res.StaleDays += len(stale)

		if d.metrics != nil {
			d.metrics.RecordGapDays(string(conn.Platform), string(spec.Entity), "missing", len(missing))
			d.metrics.RecordGapDays(string(conn.Platform), string(spec.Entity), "stale", len(stale))
		}
		if len(missing) == 0 && len(stale) == 0 {
			continue
		}

		n, err := d.enqueue(ctx, conn, spec.Entity, missing, false)
		res.Enqueued += n
		if err != nil {
			return res, err
		}
		n, err = d.enqueue(ctx, conn, spec.Entity, stale, true)
		res.Enqueued += n
		if err != nil {
			return res, err
		}
		log.Info("欠損した期間を再投入しました",
			slog.Int("missing_days", len(missing)),
			slog.Int("stale_days", len(stale)),
		)
	}
	return res, nil
}

// scan は期待する期間の欠損日と異常日を返す。
func (d *Detector) scan(ctx context.Context, brandID string, spec model.EntitySpec, expected model.DateRange) (missing, stale []time.Time, err error) {
	observed, err := d.facts.ObservedDates(ctx, brandID, spec.Entity, expected)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[time.Time]struct{}, len(observed))
	for _, t := range observed {
		seen[model.Day(t)] = struct{}{}
	}
	for _, t := range expected.Each() {
		if _, ok := seen[t]; !ok {
			missing = append(missing, t)
		}
	}

	if spec.ZeroAnomaly {
		totals, err := d.facts.DailyTotals(ctx, brandID, spec.Entity, expected)
		if err != nil {
			return nil, nil, err
		}
		stale = ZeroDays(totals)
	}
	return missing, stale, nil
}

// ZeroDays は前日と翌日に実績があるにもかかわらず全指標がゼロの日を返す。
func ZeroDays(totals []model.DailyTotal) []time.Time {
	byDay := make(map[time.Time]model.Metrics, len(totals))
	for _, t := range totals {
		byDay[model.Day(t.Date)] = t.Metrics
	}
	var days []time.Time
	for day, m := range byDay {
		if !m.IsZero() {
			continue
		}
		prev, okPrev := byDay[day.AddDate(0, 0, -1)]
		next, okNext := byDay[day.AddDate(0, 0, 1)]
		if okPrev && okNext && !prev.IsZero() && !next.IsZero() {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func (d *Detector) enqueue(ctx context.Context, conn *model.Connection, entity model.Entity, days []time.Time, force bool) (int, error) {
	if len(days) == 0 {
		return 0, nil
	}
	chunks, err := planner.PlanRuns(days, d.cfg.ChunkDays)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, r := range chunks {
		res, err := d.ledger.Enqueue(ctx, ledger.EnqueueRequest{
			BrandID:  conn.BrandID,
			Platform: conn.Platform,
			Entity:   entity,
			Range:    r,
			Reason:   model.ReasonGap,
			Force:    force,
		})
		if err != nil {
			return created, fmt.Errorf("enqueue %s %s: %w", entity, r, err)
		}
		if res.Created {
			created++
		}
	}
	return created, nil
}

// busyRanges は再投入してはならない期間を返す。
// 実行待ち・実行中のジョブとリトライ上限に達したジョブが対象。
func busyRanges(jobs []*model.SyncJob, entity model.Entity) []model.DateRange {
	var ranges []model.DateRange
	for _, j := range jobs {
		if j.Entity != entity {
			continue
		}
		if !j.Status.Terminal() || j.Exhausted {
			ranges = append(ranges, j.Range)
		}
	}
	return ranges
}

// refetchedRanges は欠損検出による再取得が完了済みの期間を返す。
// 再取得しても全指標ゼロのままの日は実績ゼロとみなす。
func refetchedRanges(jobs []*model.SyncJob, entity model.Entity) []model.DateRange {
	var ranges []model.DateRange
	for _, j := range jobs {
		if j.Entity == entity && j.Status == model.JobCompleted && j.Reason == model.ReasonGap {
			ranges = append(ranges, j.Range)
		}
	}
	return ranges
}

func exclude(days []time.Time, ranges []model.DateRange) []time.Time {
	if len(ranges) == 0 {
		return days
	}
	out := days[:0:0]
	for _, day := range days {
		covered := false
		for _, r := range ranges {
			if r.Contains(day) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, day)
		}
	}
	return out
}
