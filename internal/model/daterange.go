package model

import (
	"fmt"
	"time"
)

// DateLayout は日付の文字列表現（YYYY-MM-DD）。
const DateLayout = "2006-01-02"

// DateRange は暦日の閉区間 [Start, End] を表す。
// Start と End は常にUTCの0時に正規化される。
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Day は時刻をUTCの暦日（0時）に切り詰める。
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDateRange は開始日と終了日からDateRangeを生成する。
// 終了日が開始日より前の場合はKindInvalidRangeのSyncErrorを返す。
func NewDateRange(start, end time.Time) (DateRange, error) {
	s, e := Day(start), Day(end)
	if e.Before(s) {
		return DateRange{}, &SyncError{
			Kind:    KindInvalidRange,
			Message: fmt.Sprintf("end %s is before start %s", e.Format(DateLayout), s.Format(DateLayout)),
		}
	}
	return DateRange{Start: s, End: e}, nil
}

// ParseDateRange はYYYY-MM-DD形式の文字列からDateRangeを生成する。
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, &SyncError{Kind: KindInvalidRange, Message: fmt.Sprintf("invalid start date %q", start), Err: err}
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return DateRange{}, &SyncError{Kind: KindInvalidRange, Message: fmt.Sprintf("invalid end date %q", end), Err: err}
	}
	return NewDateRange(s, e)
}

// Days は範囲に含まれる日数を返す（両端を含む）。
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains は日付が範囲に含まれるかを返す。
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Each は範囲内の日付を古い順に返す。
func (r DateRange) Each() []time.Time {
	days := make([]time.Time, 0, r.Days())
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// String は "YYYY-MM-DD:YYYY-MM-DD" 形式の文字列を返す。
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ":" + r.End.Format(DateLayout)
}
