package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/hitoshi/brandsync/internal/model"
)

// PostgresStatusRepo はPostgreSQLを使用した同期状況リポジトリ。
type PostgresStatusRepo struct {
	db *sql.DB
}

// NewPostgresStatusRepo はPostgresStatusRepoを生成する。
func NewPostgresStatusRepo(db *sql.DB) *PostgresStatusRepo {
	return &PostgresStatusRepo{db: db}
}

var _ StatusRepository = (*PostgresStatusRepo)(nil)

// Save は同期状況をUPSERTする。
func (r *PostgresStatusRepo) Save(ctx context.Context, st *model.SyncStatus) error {
	ranges := st.FailedRanges
	if ranges == nil {
		ranges = []model.FailedRange{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return fmt.Errorf("失敗期間のエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_status (brand_id, platform, pending, running, completed, failed, exhausted, total,
		                          phase, percent, failed_ranges, connection_status, last_synced_at, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (brand_id, platform) DO UPDATE SET
		     pending = EXCLUDED.pending,
		     running = EXCLUDED.running,
		     completed = EXCLUDED.completed,
		     failed = EXCLUDED.failed,
		     exhausted = EXCLUDED.exhausted,
		     total = EXCLUDED.total,
		     phase = EXCLUDED.phase,
		     percent = EXCLUDED.percent,
		     failed_ranges = EXCLUDED.failed_ranges,
		     connection_status = EXCLUDED.connection_status,
		     last_synced_at = EXCLUDED.last_synced_at,
		     computed_at = EXCLUDED.computed_at`,
		st.BrandID, st.Platform, st.Pending, st.Running, st.Completed, st.Failed, st.Exhausted, st.Total,
		st.Phase, st.Percent, string(rangesJSON), nullString(string(st.ConnectionStatus)), st.LastSyncedAt, st.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("同期状況の保存に失敗しました: %w", err)
	}
	return nil
}

// GetStatus は同期状況を取得する。見つからない場合はnilを返す。
func (r *PostgresStatusRepo) GetStatus(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
	st := &model.SyncStatus{}
	var rangesJSON []byte
	var connStatus sql.NullString
	var lastSynced sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT brand_id, platform, pending, running, completed, failed, exhausted, total,
		        phase, percent, failed_ranges, connection_status, last_synced_at, computed_at
		 FROM sync_status WHERE brand_id = $1 AND platform = $2`,
		brandID, platform,
	).Scan(
		&st.BrandID, &st.Platform, &st.Pending, &st.Running, &st.Completed, &st.Failed, &st.Exhausted, &st.Total,
		&st.Phase, &st.Percent, &rangesJSON, &connStatus, &lastSynced, &st.ComputedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期状況の取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(rangesJSON, &st.FailedRanges); err != nil {
		return nil, fmt.Errorf("失敗期間のデコードに失敗しました: %w", err)
	}
	st.ConnectionStatus = model.ConnectionStatus(nullStringValue(connStatus))
	st.LastSyncedAt = nullTimePtr(lastSynced)
	return st, nil
}
