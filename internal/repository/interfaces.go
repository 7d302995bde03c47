// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

// ErrNotRunning は実行中でないジョブに終端遷移を適用しようとした場合のエラー。
// リース回収と通常の完了が競合した場合に、後から来た側が受け取る。
var ErrNotRunning = errors.New("job is not running")

// ConnectionRepository はプラットフォーム接続の永続化インターフェース。
type ConnectionRepository interface {
	// Get はブランドとプラットフォームで接続を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, brandID string, platform model.Platform) (*model.Connection, error)

	// ListByBrand はブランドの接続一覧を返す。
	ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error)

	// ListActive は状態がactiveの接続を全て返す。
	ListActive(ctx context.Context) ([]*model.Connection, error)

	// Upsert は(brand, platform)の接続を作成または置き換える。
	// 既存の接続がある場合はIDとbackfill_startを維持する。
	Upsert(ctx context.Context, conn *model.Connection) (*model.Connection, error)

	// UpdateStatus は接続の状態を更新する。
	UpdateStatus(ctx context.Context, brandID string, platform model.Platform, status model.ConnectionStatus) error

	// TouchSynced は最終同期日時と同期済み日付を更新する。
	// syncedThrough は既存値より新しい場合のみ更新する。
	TouchSynced(ctx context.Context, brandID string, platform model.Platform, at time.Time, syncedThrough time.Time) error

	// Purge は接続と、factTablesに列挙されたファクト行・カバレッジ・ジョブ・同期状況を
	// 同一トランザクションで削除する。
	Purge(ctx context.Context, brandID string, platform model.Platform, factTables []string) error
}

// JobRepository は同期ジョブ台帳の永続化インターフェース。
// 再試行の判断やバックオフの計算は呼び出し側（ledger）が行い、
// ここでは各遷移を原子的に適用する。
type JobRepository interface {
	// Latest はキーの最新の試行を返す。見つからない場合はnilを返す。
	Latest(ctx context.Context, jobKey string) (*model.SyncJob, error)

	// Insert はpendingのジョブを挿入する。
	// 同じキーの未終了ジョブが既に存在する場合は挿入せず、既存のジョブとfalseを返す。
	Insert(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error)

	// Claim はeligible_at <= now かつ接続がactiveのpendingジョブを1件、
	// 単一の条件付き更新でrunningへ遷移させて返す。対象が無い場合はnilを返す。
	Claim(ctx context.Context, now time.Time) (*model.SyncJob, error)

	// Complete は実行中のジョブをcompletedにする。
	// 実行中でない場合はErrNotRunningを返す。
	Complete(ctx context.Context, jobID string, result model.JobResult, now time.Time) error

	// Fail は実行中のジョブをfailedにし、nextがnilでなければ同一トランザクションで
	// 次の試行を挿入する。nextがnilの場合は行をexhaustedにする。
	// 実行中でない場合はErrNotRunningを返す。
	Fail(ctx context.Context, jobID string, failure *model.SyncError, next *model.SyncJob, now time.Time) error

	// Release は実行中のジョブを試行回数を変えずにpendingへ戻す。
	Release(ctx context.Context, jobID string, eligibleAt time.Time, now time.Time) error

	// ListExpired はstarted_atがstartedBeforeより古い実行中ジョブを返す。
	ListExpired(ctx context.Context, startedBefore time.Time) ([]*model.SyncJob, error)

	// ListLatest はブランド・プラットフォームの各キーの最新の試行を返す。
	ListLatest(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error)

	// PruneHistory はキーの最新でない終端状態の行のうち、updated_atがbeforeより古いものを削除する。
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// FactRepository はファクトテーブルとカバレッジの永続化インターフェース。
type FactRepository interface {
	// Store はレコードを一括UPSERTし、期間rの各日をカバレッジとして記録する。
	// 全て同一トランザクションで行い、書き込んだレコード数を返す。
	Store(ctx context.Context, brandID string, entity model.Entity, r model.DateRange, records []model.FactRecord) (int, error)

	// ObservedDates は期間内でファクト行またはカバレッジが存在する日付を返す。
	ObservedDates(ctx context.Context, brandID string, entity model.Entity, r model.DateRange) ([]time.Time, error)

	// DailyTotals は期間内の日ごとの指標合計を返す。行が無い日は含まない。
	DailyTotals(ctx context.Context, brandID string, entity model.Entity, r model.DateRange) ([]model.DailyTotal, error)
}

// StatusRepository は同期状況の永続化インターフェース。
type StatusRepository interface {
	// Save は同期状況をUPSERTする。
	Save(ctx context.Context, status *model.SyncStatus) error

	// GetStatus は同期状況を取得する。見つからない場合はnilを返す。
	GetStatus(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error)
}

// RateLimitRepository は複数インスタンスで共有するレート制限カウンタの永続化インターフェース。
type RateLimitRepository interface {
	// Increment はkeyのwindowStartのカウンタを原子的に1増やし、増加後の値を返す。
	Increment(ctx context.Context, key string, windowStart time.Time, expiresAt time.Time) (int, error)

	// DeleteExpired はexpires_atがbeforeより古いカウンタを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Pinger はデータストアの疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}
