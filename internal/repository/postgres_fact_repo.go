package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/hitoshi/brandsync/internal/model"
)

// PostgresFactRepo はPostgreSQLを使用したファクトテーブルリポジトリ。
type PostgresFactRepo struct {
	db *sql.DB
}

// NewPostgresFactRepo はPostgresFactRepoを生成する。
func NewPostgresFactRepo(db *sql.DB) *PostgresFactRepo {
	return &PostgresFactRepo{db: db}
}

var _ FactRepository = (*PostgresFactRepo)(nil)

func factTableIdent(entity model.Entity) (string, error) {
	table, err := model.FactTable(entity)
	if err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(table), nil
}

// Store はレコードを一括UPSERTし、期間の各日をカバレッジとして記録する。
// (brand_id, entity_id, date, breakdown) が同じ行は上書きされるため、同じバッチを何度保存しても結果は変わらない。
func (r *PostgresFactRepo) Store(ctx context.Context, brandID string, entity model.Entity, dr model.DateRange, records []model.FactRecord) (int, error) {
	table, err := factTableIdent(entity)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+table+` (brand_id, entity_id, date, breakdown, spend, impressions, clicks, reach,
		                        conversions, revenue, quantity, attributes, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (brand_id, entity_id, date, breakdown) DO UPDATE SET
		     spend = EXCLUDED.spend,
		     impressions = EXCLUDED.impressions,
		     clicks = EXCLUDED.clicks,
		     reach = EXCLUDED.reach,
		     conversions = EXCLUDED.conversions,
		     revenue = EXCLUDED.revenue,
		     quantity = EXCLUDED.quantity,
		     attributes = EXCLUDED.attributes,
		     synced_at = EXCLUDED.synced_at`,
	)
	if err != nil {
		return 0, fmt.Errorf("UPSERT文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		attrs := rec.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrJSON, err := json.Marshal(attrs)
		if err != nil {
			return 0, fmt.Errorf("属性のエンコードに失敗しました: %w", err)
		}
		syncedAt := rec.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = now
		}
		m := rec.Metrics
		if _, err := stmt.ExecContext(ctx,
			brandID, rec.EntityID, model.Day(rec.Date), rec.Breakdown,
			m.Spend, m.Impressions, m.Clicks, m.Reach, m.Conversions, m.Revenue, m.Quantity,
			string(attrJSON), syncedAt,
		); err != nil {
			return 0, fmt.Errorf("レコード %s/%s のUPSERTに失敗しました: %w", rec.EntityID, rec.Date.Format(model.DateLayout), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_coverage (brand_id, entity, date, synced_at)
		 SELECT $1, $2, d::date, $5
		 FROM generate_series($3::date, $4::date, interval '1 day') AS d
		 ON CONFLICT (brand_id, entity, date) DO UPDATE SET synced_at = EXCLUDED.synced_at`,
		brandID, entity, dr.Start, dr.End, now,
	); err != nil {
		return 0, fmt.Errorf("カバレッジの記録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return len(records), nil
}

// ObservedDates は期間内でファクト行またはカバレッジが存在する日付を返す。
func (r *PostgresFactRepo) ObservedDates(ctx context.Context, brandID string, entity model.Entity, dr model.DateRange) ([]time.Time, error) {
	table, err := factTableIdent(entity)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT date FROM `+table+` WHERE brand_id = $1 AND date BETWEEN $3 AND $4
		 UNION
		 SELECT date FROM sync_coverage WHERE brand_id = $1 AND entity = $2 AND date BETWEEN $3 AND $4
		 ORDER BY 1`,
		brandID, entity, dr.Start, dr.End,
	)
	if err != nil {
		return nil, fmt.Errorf("取得済み日付の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("日付のスキャンに失敗しました: %w", err)
		}
		days = append(days, model.Day(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("日付の走査に失敗しました: %w", err)
	}
	return days, nil
}

// DailyTotals は期間内の日ごとの指標合計を返す。
func (r *PostgresFactRepo) DailyTotals(ctx context.Context, brandID string, entity model.Entity, dr model.DateRange) ([]model.DailyTotal, error) {
	table, err := factTableIdent(entity)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT date, COALESCE(SUM(spend), 0)::float8, COALESCE(SUM(impressions), 0), COALESCE(SUM(clicks), 0),
		        COALESCE(SUM(reach), 0), COALESCE(SUM(conversions), 0), COALESCE(SUM(revenue), 0)::float8,
		        COALESCE(SUM(quantity), 0)
		 FROM `+table+`
		 WHERE brand_id = $1 AND date BETWEEN $2 AND $3
		 GROUP BY date ORDER BY date`,
		brandID, dr.Start, dr.End,
	)
	if err != nil {
		return nil, fmt.Errorf("日次集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var totals []model.DailyTotal
	for rows.Next() {
		var t model.DailyTotal
		m := &t.Metrics
		if err := rows.Scan(&t.Date, &m.Spend, &m.Impressions, &m.Clicks, &m.Reach, &m.Conversions, &m.Revenue, &m.Quantity); err != nil {
			return nil, fmt.Errorf("日次集計のスキャンに失敗しました: %w", err)
		}
		t.Date = model.Day(t.Date)
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("日次集計の走査に失敗しました: %w", err)
	}
	return totals, nil
}
