package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

// Result は1回の取得で得られた正規化済みレコードと、正規化できなかったレコードを表す。
type Result struct {
	Records  []model.FactRecord
	Rejected []model.RejectedRecord
}

// Source は外部プラットフォームから期間分のデータを取得するインターフェース。
type Source interface {
	// Fetch は接続の認証情報でエンティティの期間[r.Start, r.End]のデータを取得し、
	// ファクトレコードに正規化して返す。
	// 失敗時は *model.SyncError を返す。
	Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*Result, error)
}

// Registry はプラットフォームごとのSourceを保持する。
type Registry map[model.Platform]Source

// Fetch は接続のプラットフォームに対応するSourceで取得する。
func (reg Registry) Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*Result, error) {
	src, ok := reg[conn.Platform]
	if !ok {
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: fmt.Sprintf("no source for platform %s", conn.Platform)}
	}
	return src.Fetch(ctx, conn, entity, r)
}

// parseDayIn はYYYY-MM-DD形式の日付を解析し、期間外の場合はエラーを返す。
func parseDayIn(r model.DateRange, s string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if !r.Contains(d) {
		return time.Time{}, fmt.Errorf("date %s outside requested range %s", s, r)
	}
	return d, nil
}
