// Package progress はジョブ台帳から同期状況（進捗率・フェーズ・失敗期間）を算出する。
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/repository"
)

// JobLister は各キーの最新の試行を返すインターフェース。
type JobLister interface {
	ListLatest(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error)
}

// Compute は各キーの最新の試行から同期状況を算出する。
// jobsは1キーにつき1件であること。connがnilの場合は接続情報を含めない。
//
// フェーズの判定順:
//   - 初回取得のキーがpending/running → historical
//   - 初回取得のキーがリトライ上限到達 → failed
//   - その他のキーがpending/running → incremental
//   - それ以外 → completed
//
// 進捗率は completed / total を百分率で切り捨てたもの。キーが無い場合は100。
func Compute(brandID string, platform model.Platform, jobs []*model.SyncJob, conn *model.Connection, now time.Time) *model.SyncStatus {
	st := &model.SyncStatus{
		BrandID:      brandID,
		Platform:     platform,
		Total:        len(jobs),
		FailedRanges: []model.FailedRange{},
		ComputedAt:   now,
	}

	var initialActive, initialExhausted, active bool
	for _, j := range jobs {
		switch j.Status {
		case model.JobPending:
			st.Pending++
		case model.JobRunning:
			st.Running++
		case model.JobCompleted:
			st.Completed++
		case model.JobFailed:
			st.Failed++
		}

		inFlight := !j.Status.Terminal()
		if inFlight {
			active = true
			if j.InitialLoad {
				initialActive = true
			}
		}
		if j.Exhausted {
			st.Exhausted++
			if j.InitialLoad {
				initialExhausted = true
			}
			st.FailedRanges = append(st.FailedRanges, model.FailedRange{
				Entity:       j.Entity,
				Start:        j.Range.Start.Format(model.DateLayout),
				End:          j.Range.End.Format(model.DateLayout),
				ErrorKind:    j.ErrorKind,
				ErrorMessage: j.ErrorMessage,
				HTTPStatus:   j.HTTPStatus,
			})
		}
	}

	switch {
	case initialActive:
		st.Phase = model.PhaseHistorical
	case initialExhausted:
		st.Phase = model.PhaseFailed
	case active:
		st.Phase = model.PhaseIncremental
	default:
		st.Phase = model.PhaseCompleted
	}

	if st.Total == 0 {
		st.Percent = 100
	} else {
		st.Percent = st.Completed * 100 / st.Total
	}

	sort.Slice(st.FailedRanges, func(i, k int) bool {
		a, b := st.FailedRanges[i], st.FailedRanges[k]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		return a.Start < b.Start
	})

	if conn != nil {
		st.ConnectionStatus = conn.Status
		st.LastSyncedAt = conn.LastSyncedAt
	}
	return st
}

// Aggregator は台帳から同期状況を再計算して保存する。
type Aggregator struct {
	jobs     JobLister
	conns    repository.ConnectionRepository
	statuses repository.StatusRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(jobs JobLister, conns repository.ConnectionRepository, statuses repository.StatusRepository, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		jobs:     jobs,
		conns:    conns,
		statuses: statuses,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recompute はブランド・プラットフォームの同期状況を台帳から再計算して保存する。
func (a *Aggregator) Recompute(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
	jobs, err := a.jobs.ListLatest(ctx, brandID, platform)
	if err != nil {
		return nil, fmt.Errorf("list latest jobs: %w", err)
	}
	conn, err := a.conns.Get(ctx, brandID, platform)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	st := Compute(brandID, platform, jobs, conn, a.now())
	if err := a.statuses.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("save sync status: %w", err)
	}

	a.logger.Debug("同期状況を再計算しました",
		slog.String("brand_id", brandID),
		slog.String("platform", string(platform)),
		slog.String("phase", string(st.Phase)),
		slog.Int("percent", st.Percent),
		slog.Int("total", st.Total),
	)
	return st, nil
}
