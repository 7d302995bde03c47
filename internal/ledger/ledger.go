// Package ledger は同期ジョブ台帳の状態遷移を管理する。
// 冪等な投入、原子的な取得、再試行とバックオフ、リース切れジョブの回収を担う。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/repository"
)

const (
	// DefaultMaxAttempts はキーごとの試行回数の上限。
	DefaultMaxAttempts = 3
	// DefaultLeaseDuration は実行中ジョブが停止したとみなすまでの時間。
	DefaultLeaseDuration = 10 * time.Minute
)

// Config は台帳の再試行ポリシーを表す。
type Config struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LeaseDuration  time.Duration
}

// MetricsRecorder は台帳操作のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordJobEnqueued(platform, entity, reason string)
	RecordJobClaimed(platform, entity string)
	RecordJobCompleted(platform, entity string)
	RecordJobFailed(platform, entity, kind string, exhausted bool)
	RecordJobReleased(platform, entity, kind string)
	RecordJobReclaimed(platform, entity string)
}

// Ledger は同期ジョブ台帳を表す。
type Ledger struct {
	repo    repository.JobRepository
	cfg     Config
	metrics MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// New はLedgerを生成する。metricsがnilの場合はメトリクスを記録しない。
func New(repo repository.JobRepository, cfg Config, metrics MetricsRecorder, logger *slog.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:    repo,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Config は適用中の設定を返す。
func (l *Ledger) Config() Config {
	return l.cfg
}

// EnqueueRequest はジョブ投入の要求を表す。
type EnqueueRequest struct {
	BrandID     string
	Platform    model.Platform
	Entity      model.Entity
	Range       model.DateRange
	Reason      model.Reason
	InitialLoad bool
	// Force が true の場合、完了済みのキーも新しい試行として再取得する。
	Force bool
}

// EnqueueResult はジョブ投入の結果を表す。
type EnqueueResult struct {
	JobID   string
	JobKey  string
	Created bool
	// Skipped はリトライ上限に達したキーへの自動投入を見送ったことを表す。
	Skipped bool
}

// Enqueue はジョブを冪等に投入する。
//   - キーのジョブが無い: pendingの試行1を挿入する
//   - 最新がpending/running: 何もせず既存のIDを返す
//   - 最新がcompleted: Forceの場合のみ新しい試行を挿入する
//   - 最新がリトライ上限到達: 明示的な理由（manual/reconnect/repair）の場合のみ新しい試行を挿入する
//   - 最新が上限未満のfailed: 通常は次の試行が既に存在するため、そのまま新しい試行を挿入する
func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Range.End.Before(req.Range.Start) {
		return EnqueueResult{}, &model.SyncError{Kind: model.KindInvalidRange, Message: fmt.Sprintf("invalid range %s", req.Range)}
	}
	key := model.JobKey(req.BrandID, req.Platform, req.Entity, req.Range)

	latest, err := l.repo.Latest(ctx, key)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	var previousID string
	if latest != nil {
		switch {
		case !latest.Status.Terminal():
			return EnqueueResult{JobID: latest.ID, JobKey: key}, nil
		case latest.Status == model.JobCompleted && !req.Force:
			return EnqueueResult{JobID: latest.ID, JobKey: key}, nil
		case latest.Exhausted && !req.Reason.Explicit():
			return EnqueueResult{JobID: latest.ID, JobKey: key, Skipped: true}, nil
		}
		previousID = latest.ID
	}

	now := l.now()
	job := &model.SyncJob{
		ID:            uuid.New().String(),
		JobKey:        key,
		BrandID:       req.BrandID,
		Platform:      req.Platform,
		Entity:        req.Entity,
		Range:         req.Range,
		Attempt:       1,
		Reason:        req.Reason,
		InitialLoad:   req.InitialLoad,
		PreviousJobID: previousID,
		EligibleAt:    now,
		CreatedAt:     now,
	}
	stored, created, err := l.repo.Insert(ctx, job)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if created {
		l.logger.Info("ジョブを投入しました",
			slog.String("job_id", stored.ID),
			slog.String("job_key", key),
			slog.String("reason", string(req.Reason)),
			slog.Bool("force", req.Force),
		)
		if l.metrics != nil {
			l.metrics.RecordJobEnqueued(string(req.Platform), string(req.Entity), string(req.Reason))
		}
	}
	return EnqueueResult{JobID: stored.ID, JobKey: key, Created: created}, nil
}

// Claim は実行可能なジョブを1件取得してrunningにする。対象が無い場合はnilを返す。
func (l *Ledger) Claim(ctx context.Context) (*model.SyncJob, error) {
	job, err := l.repo.Claim(ctx, l.now())
	if err != nil {
		return nil, err
	}
	if job != nil && l.metrics != nil {
		l.metrics.RecordJobClaimed(string(job.Platform), string(job.Entity))
	}
	return job, nil
}

// Complete はジョブを完了にする。
func (l *Ledger) Complete(ctx context.Context, job *model.SyncJob, result model.JobResult) error {
	if err := l.repo.Complete(ctx, job.ID, result, l.now()); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if l.metrics != nil {
		l.metrics.RecordJobCompleted(string(job.Platform), string(job.Entity))
	}
	return nil
}

// Fail はジョブを失敗にする。
// 試行回数が上限未満で再試行可能な分類の場合、同じキーの次の試行を
// now + backoff(attempt) まで取得対象外として同一トランザクションで投入する。
// 上限に達した場合、または再試行不能な分類の場合はキーをリトライ上限到達とする。
// 戻り値は上限到達になったかどうか。
func (l *Ledger) Fail(ctx context.Context, job *model.SyncJob, failure *model.SyncError) (bool, error) {
	now := l.now()
	var next *model.SyncJob
	if job.Attempt < l.cfg.MaxAttempts && failure.Retryable() {
		delay := CalculateBackoff(job.Attempt, l.cfg.RetryBaseDelay, l.cfg.RetryMaxDelay)
		next = &model.SyncJob{
			ID:            uuid.New().String(),
			JobKey:        job.JobKey,
			BrandID:       job.BrandID,
			Platform:      job.Platform,
			Entity:        job.Entity,
			Range:         job.Range,
			Attempt:       job.Attempt + 1,
			Reason:        job.Reason,
			InitialLoad:   job.InitialLoad,
			PreviousJobID: job.ID,
			EligibleAt:    now.Add(delay),
			CreatedAt:     now,
		}
	}

	if err := l.repo.Fail(ctx, job.ID, failure, next, now); err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	exhausted := next == nil
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("job_key", job.JobKey),
		slog.Int("attempt", job.Attempt),
		slog.String("error_kind", string(failure.Kind)),
		slog.Int("http_status", failure.HTTPStatus),
		slog.String("error", failure.Error()),
	}
	if exhausted {
		l.logger.Error("ジョブがリトライ上限に達しました", attrs...)
	} else {
		l.logger.Warn("ジョブが失敗しました。再試行を予約します",
			append(attrs, slog.Time("eligible_at", next.EligibleAt))...)
	}
	if l.metrics != nil {
		l.metrics.RecordJobFailed(string(job.Platform), string(job.Entity), string(failure.Kind), exhausted)
	}
	return exhausted, nil
}

// Release は実行中のジョブを試行回数を消費せずにpendingへ戻す。
// 認証切れや外部APIの遮断中など、ジョブ自体の失敗ではない場合に使う。
func (l *Ledger) Release(ctx context.Context, job *model.SyncJob, delay time.Duration, kind model.ErrorKind) error {
	now := l.now()
	if err := l.repo.Release(ctx, job.ID, now.Add(delay), now); err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	l.logger.Info("ジョブを保留に戻しました",
		slog.String("job_id", job.ID),
		slog.String("job_key", job.JobKey),
		slog.String("error_kind", string(kind)),
		slog.Duration("delay", delay),
	)
	if l.metrics != nil {
		l.metrics.RecordJobReleased(string(job.Platform), string(job.Entity), string(kind))
	}
	return nil
}

// ReclaimExpired はリース期限を過ぎた実行中ジョブをStuckJobとして失敗させ、再試行ポリシーに従って再投入する。
// 条件付き更新のため、並行する回収や遅れて届いた完了と競合しても1件につき1回だけ回収される。
// 回収したジョブを返す。
func (l *Ledger) ReclaimExpired(ctx context.Context) ([]*model.SyncJob, error) {
	expired, err := l.repo.ListExpired(ctx, l.now().Add(-l.cfg.LeaseDuration))
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}

	var reclaimed []*model.SyncJob
	for _, job := range expired {
		failure := &model.SyncError{
			Kind:    model.KindStuckJob,
			Message: fmt.Sprintf("lease expired (started at %s)", job.StartedAt.Format(time.RFC3339)),
		}
		exhausted, err := l.Fail(ctx, job, failure)
		if errors.Is(err, repository.ErrNotRunning) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, job)
		l.logger.Warn("停止したジョブを回収しました",
			slog.String("job_id", job.ID),
			slog.String("job_key", job.JobKey),
			slog.Int("attempt", job.Attempt),
			slog.Bool("exhausted", exhausted),
		)
		if l.metrics != nil {
			l.metrics.RecordJobReclaimed(string(job.Platform), string(job.Entity))
		}
	}
	return reclaimed, nil
}

// LatestJobs はブランド・プラットフォームの各キーの最新の試行を返す。
func (l *Ledger) LatestJobs(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error) {
	return l.repo.ListLatest(ctx, brandID, platform)
}

// PruneHistory は保持期間を過ぎた過去の試行を削除する。
func (l *Ledger) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	return l.repo.PruneHistory(ctx, l.now().Add(-retention))
}
