package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/brandsync/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用した接続リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)

const connectionColumns = `id, brand_id, platform, access_token, external_account_id, status,
	backfill_start, last_synced_at, synced_through, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*model.Connection, error) {
	c := &model.Connection{}
	var lastSynced, syncedThrough sql.NullTime
	err := row.Scan(
		&c.ID, &c.BrandID, &c.Platform, &c.AccessToken, &c.ExternalAccountID, &c.Status,
		&c.BackfillStart, &lastSynced, &syncedThrough, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.BackfillStart = model.Day(c.BackfillStart)
	c.LastSyncedAt = nullTimePtr(lastSynced)
	c.SyncedThrough = nullTimePtr(syncedThrough)
	return c, nil
}

// Get はブランドとプラットフォームで接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) Get(ctx context.Context, brandID string, platform model.Platform) (*model.Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE brand_id = $1 AND platform = $2`,
		brandID, platform,
	)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	return c, nil
}

// ListByBrand はブランドの接続一覧を返す。
func (r *PostgresConnectionRepo) ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections WHERE brand_id = $1 ORDER BY platform`, brandID)
}

// ListActive は状態がactiveの接続を全て返す。
func (r *PostgresConnectionRepo) ListActive(ctx context.Context) ([]*model.Connection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections WHERE status = 'active' ORDER BY brand_id, platform`)
}

func (r *PostgresConnectionRepo) list(ctx context.Context, query string, args ...any) ([]*model.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("接続一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("接続のスキャンに失敗しました: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("接続一覧の走査に失敗しました: %w", err)
	}
	return conns, nil
}

// Upsert は(brand, platform)の接続を作成または置き換える。
// 既存の接続がある場合はIDとbackfill_startを維持する。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO connections (id, brand_id, platform, access_token, external_account_id, status,
		                          backfill_start, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (brand_id, platform) DO UPDATE SET
		     access_token = EXCLUDED.access_token,
		     external_account_id = EXCLUDED.external_account_id,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+connectionColumns,
		conn.ID, conn.BrandID, conn.Platform, conn.AccessToken, conn.ExternalAccountID, conn.Status,
		conn.BackfillStart, conn.UpdatedAt,
	)
	c, err := scanConnection(row)
	if err != nil {
		return nil, fmt.Errorf("接続の保存に失敗しました: %w", err)
	}
	return c, nil
}

// UpdateStatus は接続の状態を更新する。
func (r *PostgresConnectionRepo) UpdateStatus(ctx context.Context, brandID string, platform model.Platform, status model.ConnectionStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status = $3, updated_at = now() WHERE brand_id = $1 AND platform = $2`,
		brandID, platform, status,
	)
	if err != nil {
		return fmt.Errorf("接続状態の更新に失敗しました: %w", err)
	}
	return nil
}

// TouchSynced は最終同期日時と同期済み日付を更新する。
func (r *PostgresConnectionRepo) TouchSynced(ctx context.Context, brandID string, platform model.Platform, at time.Time, syncedThrough time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		     last_synced_at = $3,
		     synced_through = GREATEST(COALESCE(synced_through, $4), $4),
		     updated_at = $3
		 WHERE brand_id = $1 AND platform = $2`,
		brandID, platform, at, model.Day(syncedThrough),
	)
	if err != nil {
		return fmt.Errorf("最終同期日時の更新に失敗しました: %w", err)
	}
	return nil
}

// Purge は接続と依存データを同一トランザクションで削除する。
// ファクトテーブルは呼び出し側が渡した一覧のみを対象とし、スキーマの走査は行わない。
func (r *PostgresConnectionRepo) Purge(ctx context.Context, brandID string, platform model.Platform, factTables []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var entities []string
	for _, spec := range model.EntitiesFor(platform) {
		entities = append(entities, string(spec.Entity))
	}

	for _, table := range factTables {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+pq.QuoteIdentifier(table)+` WHERE brand_id = $1`, brandID,
		); err != nil {
			return fmt.Errorf("%s の削除に失敗しました: %w", table, err)
		}
	}

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM sync_coverage WHERE brand_id = $1 AND entity = ANY($2)`, []any{brandID, pq.Array(entities)}},
		{`DELETE FROM sync_jobs WHERE brand_id = $1 AND platform = $2`, []any{brandID, platform}},
		{`DELETE FROM sync_status WHERE brand_id = $1 AND platform = $2`, []any{brandID, platform}},
		{`DELETE FROM connections WHERE brand_id = $1 AND platform = $2`, []any{brandID, platform}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("接続データの削除に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}
