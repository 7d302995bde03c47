package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/platform"
	"github.com/hitoshi/brandsync/internal/repository"
)

// recordTimeout はジョブのコンテキストが期限切れでも結果を記録できるようにするための猶予。
const recordTimeout = 10 * time.Second

// Source は外部プラットフォームからデータを取得するインターフェース。
type Source interface {
	Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*platform.Result, error)
}

// JobLedger はジョブの終端遷移を記録するインターフェース。
type JobLedger interface {
	Complete(ctx context.Context, job *model.SyncJob, result model.JobResult) error
	Fail(ctx context.Context, job *model.SyncJob, failure *model.SyncError) (bool, error)
	Release(ctx context.Context, job *model.SyncJob, delay time.Duration, kind model.ErrorKind) error
}

// MetricsRecorder は取得処理のメトリクスを記録するインターフェース。
type MetricsRecorder interface {
	RecordRecords(platform, entity string, written, rejected int)
	RecordFetchDuration(platform, entity string, d time.Duration)
}

// Fetcher は1件のジョブについて取得・保存・台帳への記録を行う。
type Fetcher struct {
	conns          repository.ConnectionRepository
	facts          repository.FactRepository
	source         Source
	ledger         JobLedger
	metrics        MetricsRecorder
	logger         *slog.Logger
	breakerTimeout time.Duration
	now            func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// breakerTimeoutはサーキット遮断中のジョブをpendingへ戻す際の待機時間。
func NewFetcher(
	conns repository.ConnectionRepository,
	facts repository.FactRepository,
	source Source,
	ledger JobLedger,
	metrics MetricsRecorder,
	logger *slog.Logger,
	breakerTimeout time.Duration,
) *Fetcher {
	return &Fetcher{
		conns:          conns,
		facts:          facts,
		source:         source,
		ledger:         ledger,
		metrics:        metrics,
		logger:         logger,
		breakerTimeout: breakerTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Execute はジョブを実行し、結果を台帳に記録する。
// 取得や保存の失敗は呼び出し元へ返さず、全て台帳の遷移として記録する。
func (f *Fetcher) Execute(ctx context.Context, job *model.SyncJob) Outcome {
	start := time.Now()
	out := Outcome{JobID: job.ID, BrandID: job.BrandID, Platform: job.Platform}
	log := f.logger.With(
		slog.String("job_id", job.ID),
		slog.String("brand_id", job.BrandID),
		slog.String("platform", string(job.Platform)),
		slog.String("entity", string(job.Entity)),
		slog.String("range", job.Range.String()),
	)

	// ジョブのコンテキストが期限切れでも結果は記録する
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	conn, err := f.conns.Get(ctx, job.BrandID, job.Platform)
	if err != nil {
		return f.fail(recordCtx, log, job, out, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "load connection", Err: err})
	}
	if conn == nil || !conn.Active() {
		// 取得時点では有効だった接続が実行前に無効化された
		return f.release(recordCtx, log, job, out, 0, model.KindAuthExpired)
	}

	res, err := f.source.Fetch(ctx, conn, job.Entity, job.Range)
	if f.metrics != nil {
		f.metrics.RecordFetchDuration(string(job.Platform), string(job.Entity), time.Since(start))
	}
	if err != nil {
		se := model.AsSyncError(err)
		switch ClassifyFailure(se) {
		case ActionRelease:
			if se.Kind == model.KindAuthExpired {
				if err := f.conns.UpdateStatus(recordCtx, job.BrandID, job.Platform, model.ConnectionExpired); err != nil {
					log.Error("接続状態の更新に失敗しました", slog.String("error", err.Error()))
				} else {
					log.Warn("認証情報が失効したため接続を無効にしました",
						slog.Int("http_status", se.HTTPStatus),
						slog.Int("error_code", se.Code),
					)
				}
				return f.release(recordCtx, log, job, out, 0, se.Kind)
			}
			return f.release(recordCtx, log, job, out, f.breakerTimeout, se.Kind)
		default:
			return f.fail(recordCtx, log, job, out, se)
		}
	}

	written, err := f.facts.Store(ctx, job.BrandID, job.Entity, job.Range, res.Records)
	if err != nil {
		return f.fail(recordCtx, log, job, out, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "store records", Err: err})
	}

	for _, rej := range res.Rejected {
		log.Warn("レコードを正規化できませんでした",
			slog.String("entity_id", rej.EntityID),
			slog.String("reason", rej.Reason),
		)
	}
	if f.metrics != nil {
		f.metrics.RecordRecords(string(job.Platform), string(job.Entity), written, len(res.Rejected))
	}

	result := model.JobResult{RecordsWritten: written, RecordsRejected: len(res.Rejected)}
	out.RecordsWritten, out.RecordsRejected = result.RecordsWritten, result.RecordsRejected
	if len(res.Rejected) > 0 {
		out.Kind = model.KindPartialFetchFailure
	}
	if err := f.ledger.Complete(recordCtx, job, result); err != nil {
		out.Action = ActionComplete
		out.Err = err
		if errors.Is(err, repository.ErrNotRunning) {
			log.Warn("リース回収済みのジョブの完了を破棄しました")
		} else {
			log.Error("ジョブの完了の記録に失敗しました", slog.String("error", err.Error()))
		}
		return out
	}

	if err := f.conns.TouchSynced(recordCtx, job.BrandID, job.Platform, f.now(), job.Range.End); err != nil {
		log.Error("最終同期日時の更新に失敗しました", slog.String("error", err.Error()))
	}

	out.Action = ActionComplete
	log.Info("ジョブが完了しました",
		slog.Int("attempt", job.Attempt),
		slog.Int("records_written", written),
		slog.Int("records_rejected", len(res.Rejected)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return out
}

func (f *Fetcher) fail(ctx context.Context, log *slog.Logger, job *model.SyncJob, out Outcome, se *model.SyncError) Outcome {
	out.Action = ActionFail
	out.Kind = se.Kind
	exhausted, err := f.ledger.Fail(ctx, job, se)
	if err != nil {
		out.Err = err
		log.Error("ジョブの失敗の記録に失敗しました",
			slog.String("error_kind", string(se.Kind)),
			slog.String("error", err.Error()),
		)
		return out
	}
	out.Exhausted = exhausted
	return out
}

func (f *Fetcher) release(ctx context.Context, log *slog.Logger, job *model.SyncJob, out Outcome, delay time.Duration, kind model.ErrorKind) Outcome {
	out.Action = ActionRelease
	out.Kind = kind
	if err := f.ledger.Release(ctx, job, delay, kind); err != nil {
		out.Err = fmt.Errorf("release: %w", err)
		log.Error("ジョブを保留に戻せませんでした",
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	return out
}
