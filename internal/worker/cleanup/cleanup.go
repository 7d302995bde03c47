// Package cleanup は台帳の履歴とレート制限カウンタの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した過去の試行を日次バッチで削除する。
// 各キーの最新の試行は同期状況の算出に使うため削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HistoryPruner は台帳の過去の試行を削除するインターフェース。
type HistoryPruner interface {
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// CounterPurger は期限切れのレート制限カウンタを削除するインターフェース。
type CounterPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した台帳履歴の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	history       HistoryPruner
	counters      CounterPurger
	logger        *slog.Logger
	RetentionDays int // 履歴の保持日数（デフォルト: 30）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。countersがnilの場合はカウンタを削除しない。
func NewCleanupJob(history HistoryPruner, counters CounterPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		history:       history,
		counters:      counters,
		logger:        logger,
		RetentionDays: 30,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run は保持期間を超過した台帳履歴と期限切れのカウンタを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	retention := time.Duration(j.RetentionDays) * 24 * time.Hour

	deletedCount, err := j.history.PruneHistory(ctx, retention)
	if err != nil {
		j.logger.Error("台帳履歴のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("台帳履歴のクリーンアップの実行に失敗: %w", err)
	}

	var counterCount int64
	if j.counters != nil {
		counterCount, err = j.counters.DeleteExpired(ctx, j.now())
		if err != nil {
			j.logger.Error("レート制限カウンタの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("レート制限カウンタの削除に失敗: %w", err)
		}
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int64("expired_counters", counterCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
