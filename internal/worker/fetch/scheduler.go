// Package fetch は同期ジョブのバックグラウンド実行を提供する。
// スケジューラ（ドレイン）、フェッチャー、結果の分類を含む。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/brandsync/internal/events"
	"github.com/hitoshi/brandsync/internal/model"
)

const (
	// DefaultConcurrency はドレイン時の既定の並列数。
	DefaultConcurrency = 2
	// DefaultJobTimeout は1件のジョブの既定のタイムアウト。
	DefaultJobTimeout = 45 * time.Second
)

// JobExecutor は1件のジョブを実行するインターフェース。
type JobExecutor interface {
	Execute(ctx context.Context, job *model.SyncJob) Outcome
}

// JobClaimer はジョブの取得とリース回収のインターフェース。
type JobClaimer interface {
	Claim(ctx context.Context) (*model.SyncJob, error)
	ReclaimExpired(ctx context.Context) ([]*model.SyncJob, error)
}

// StatusRecomputer は同期状況を再計算するインターフェース。
type StatusRecomputer interface {
	Recompute(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error)
}

// DrainRecorder はドレインのメトリクスを記録するインターフェース。
type DrainRecorder interface {
	RecordDrain(d time.Duration, processed int)
}

// Budget は1回のドレインで処理する上限。
type Budget struct {
	// MaxJobs は取得するジョブ数の上限。
	MaxJobs int
	// Deadline はドレインの終了期限。残り時間がジョブのタイムアウト未満なら新たに取得しない。
	Deadline time.Time
}

// DrainResult は1回のドレインの結果を表す。
type DrainResult struct {
	Processed int
	Completed int
	Released  int
	Failed    int
	Exhausted int
	Reclaimed int
	// Errors はジョブの失敗と記録・集計の失敗のメッセージ。
	Errors []string
	// Fatal はジョブを1件も取得できなかった原因のエラー。
	Fatal error
}

type pair struct {
	brandID  string
	platform model.Platform
}

// Scheduler は台帳からジョブを取得して並列に実行する。
// 実行するジョブ数とドレイン時間の両方に上限があり、
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	jobs        JobClaimer
	executor    JobExecutor
	progress    StatusRecomputer
	publisher   events.StatusPublisher
	metrics     DrainRecorder
	logger      *slog.Logger
	concurrency int
	jobTimeout  time.Duration
	now         func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// concurrencyが0以下の場合は DefaultConcurrency、jobTimeoutが0以下の場合は DefaultJobTimeout を使用する。
func NewScheduler(
	jobs JobClaimer,
	executor JobExecutor,
	progress StatusRecomputer,
	publisher events.StatusPublisher,
	metrics DrainRecorder,
	logger *slog.Logger,
	concurrency int,
	jobTimeout time.Duration,
) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		jobs:        jobs,
		executor:    executor,
		progress:    progress,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		now:         time.Now,
	}
}

// Drain はリース期限切れのジョブを回収した後、予算の範囲でジョブを取得して実行する。
// 実行したブランド・プラットフォームの同期状況は最後に再計算して通知する。
func (s *Scheduler) Drain(ctx context.Context, budget Budget) DrainResult {
	start := s.now()
	var res DrainResult
	touched := make(map[pair]struct{})

	reclaimed, err := s.jobs.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("リース期限切れジョブの回収に失敗しました", slog.String("error", err.Error()))
		res.Errors = append(res.Errors, fmt.Sprintf("reclaim: %v", err))
	}
	res.Reclaimed = len(reclaimed)
	for _, j := range reclaimed {
		touched[pair{j.BrandID, j.Platform}] = struct{}{}
	}

	sem := make(chan struct{}, s.concurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for budget.MaxJobs <= 0 || res.Processed < budget.MaxJobs {
		sem <- struct{}{} // semaphore取得（ブロック）

		if ctx.Err() != nil {
			<-sem
			break
		}
		if !budget.Deadline.IsZero() && budget.Deadline.Sub(s.now()) < s.jobTimeout {
			<-sem
			s.logger.Info("ドレインの残り時間が不足したため取得を終了します")
			break
		}

		job, err := s.jobs.Claim(ctx)
		if err != nil {
			<-sem
			s.logger.Error("ジョブの取得に失敗しました", slog.String("error", err.Error()))
			mu.Lock()
			if res.Processed == 0 {
				res.Fatal = err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("claim: %v", err))
			mu.Unlock()
			break
		}
		if job == nil {
			<-sem
			break
		}

		mu.Lock()
		res.Processed++
		touched[pair{job.BrandID, job.Platform}] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func(j *model.SyncJob) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			out := s.execute(ctx, j)

			mu.Lock()
			defer mu.Unlock()
			switch out.Action {
			case ActionComplete:
				res.Completed++
			case ActionRelease:
				res.Released++
			case ActionFail:
				res.Failed++
				if out.Exhausted {
					res.Exhausted++
				}
				res.Errors = append(res.Errors, fmt.Sprintf("job %s: %s", j.JobKey, out.Kind))
			}
			if out.Err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("job %s: %v", j.JobKey, out.Err))
			}
		}(job)
	}

	wg.Wait()

	for p := range touched {
		st, err := s.progress.Recompute(ctx, p.brandID, p.platform)
		if err != nil {
			s.logger.Error("同期状況の再計算に失敗しました",
				slog.String("brand_id", p.brandID),
				slog.String("platform", string(p.platform)),
				slog.String("error", err.Error()),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("recompute %s/%s: %v", p.brandID, p.platform, err))
			continue
		}
		if err := s.publisher.PublishStatus(ctx, st); err != nil {
			// 通知の失敗は同期の失敗として扱わない
			s.logger.Warn("同期状況の通知に失敗しました",
				slog.String("brand_id", p.brandID),
				slog.String("error", err.Error()),
			)
		}
	}

	duration := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordDrain(duration, res.Processed)
	}
	s.logger.Info("ドレインが完了しました",
		slog.Int("processed", res.Processed),
		slog.Int("completed", res.Completed),
		slog.Int("released", res.Released),
		slog.Int("failed", res.Failed),
		slog.Int("reclaimed", res.Reclaimed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return res
}

// execute はジョブのタイムアウトを設定して実行する。パニックはジョブの失敗として記録する。
func (s *Scheduler) execute(ctx context.Context, job *model.SyncJob) (out Outcome) {
	jctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ジョブの実行中にパニックが発生しました",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
			)
			// 実行中のまま残るため、リース期限切れで回収される
			out = Outcome{JobID: job.ID, BrandID: job.BrandID, Platform: job.Platform, Action: ActionFail, Kind: model.KindStuckJob, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.executor.Execute(jctx, job)
}

// Task は定期実行する処理。
type Task func(ctx context.Context) error

// Schedule は常駐モードの定期実行設定。間隔が0以下の処理は実行しない。
type Schedule struct {
	DrainInterval time.Duration
	DrainMaxJobs  int
	DrainBudget   time.Duration

	GapInterval time.Duration
	Gaps        Task

	RolloverInterval time.Duration
	Rollover         Task
}

// Start はドレイン・欠損検出・日次ロールオーバーをそれぞれのティッカーで起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, sched Schedule) {
	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("drain_interval", sched.DrainInterval),
		slog.Duration("gap_interval", sched.GapInterval),
		slog.Duration("rollover_interval", sched.RolloverInterval),
		slog.Int("max_concurrency", s.concurrency),
	)

	drain := func(ctx context.Context) error {
		s.Drain(ctx, Budget{MaxJobs: sched.DrainMaxJobs, Deadline: s.now().Add(sched.DrainBudget)})
		return nil
	}

	var wg sync.WaitGroup
	run := func(name string, interval time.Duration, task Task) {
		if interval <= 0 || task == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, name, interval, task)
		}()
	}
	run("drain", sched.DrainInterval, drain)
	run("gaps", sched.GapInterval, sched.Gaps)
	run("rollover", sched.RolloverInterval, sched.Rollover)
	wg.Wait()

	s.logger.Info("同期スケジューラを停止しました")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, task Task) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 起動直後に1回実行
	s.runTask(ctx, name, task)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, name, task)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, name string, task Task) {
	if err := task(ctx); err != nil {
		s.logger.Error("定期処理の実行に失敗しました",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
	}
}
