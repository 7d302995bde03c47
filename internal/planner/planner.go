// Package planner は同期期間をAPIと実行時間の制限に収まるチャンクへ分割する。
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

// Order はチャンクの並び順を表す。
type Order int

const (
	// OldestFirst は古い期間から順に並べる。
	OldestFirst Order = iota
	// NewestFirst は新しい期間から順に並べる。
	NewestFirst
)

// DefaultChunkDays はチャンク日数の既定値。
const DefaultChunkDays = 30

// Plan は期間を最大chunkDays日のチャンクに分割する。
// 境界は常に r.Start を起点に決まるため、並び順によらず同じチャンク集合が得られ、
// 同じ入力から再計画しても同じジョブキーになる。
func Plan(r model.DateRange, chunkDays int, order Order) ([]model.DateRange, error) {
	if chunkDays <= 0 {
		return nil, &model.SyncError{Kind: model.KindInvalidRange, Message: fmt.Sprintf("chunk size must be positive: %d", chunkDays)}
	}
	if r.End.Before(r.Start) {
		return nil, &model.SyncError{Kind: model.KindInvalidRange, Message: fmt.Sprintf("end %s is before start %s", r.End.Format(model.DateLayout), r.Start.Format(model.DateLayout))}
	}

	var chunks []model.DateRange
	for start := r.Start; !start.After(r.End); start = start.AddDate(0, 0, chunkDays) {
		end := start.AddDate(0, 0, chunkDays-1)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, model.DateRange{Start: start, End: end})
	}

	if order == NewestFirst {
		for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
			chunks[i], chunks[j] = chunks[j], chunks[i]
		}
	}
	return chunks, nil
}

// Coalesce は日付の集合を連続する期間にまとめる。
// 入力の順序と重複は問わない。結果は古い順。
func Coalesce(days []time.Time) []model.DateRange {
	if len(days) == 0 {
		return nil
	}
	sorted := make([]time.Time, 0, len(days))
	seen := make(map[time.Time]struct{}, len(days))
	for _, d := range days {
		d = model.Day(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var runs []model.DateRange
	cur := model.DateRange{Start: sorted[0], End: sorted[0]}
	for _, d := range sorted[1:] {
		if d.Equal(cur.End.AddDate(0, 0, 1)) {
			cur.End = d
			continue
		}
		runs = append(runs, cur)
		cur = model.DateRange{Start: d, End: d}
	}
	return append(runs, cur)
}

// PlanRuns は日付の集合を連続期間にまとめた上で、それぞれをチャンクに分割する。
func PlanRuns(days []time.Time, chunkDays int) ([]model.DateRange, error) {
	var chunks []model.DateRange
	for _, run := range Coalesce(days) {
		c, err := Plan(run, chunkDays, OldestFirst)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c...)
	}
	return chunks, nil
}
