package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRateLimitRepo はPostgreSQLを使用したレート制限カウンタリポジトリ。
// 全インスタンスが同じカウンタを参照するため、プロセス再起動や複数起動でも制限が維持される。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)

// Increment はカウンタを原子的に1増やし、増加後の値を返す。
func (r *PostgresRateLimitRepo) Increment(ctx context.Context, key string, windowStart time.Time, expiresAt time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_counters (key, window_start, count, expires_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (key, window_start) DO UPDATE SET count = rate_limit_counters.count + 1
		 RETURNING count`,
		key, windowStart, expiresAt,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("レート制限カウンタの更新に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteExpired は期限切れのカウンタを削除する。
func (r *PostgresRateLimitRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("期限切れカウンタの削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
