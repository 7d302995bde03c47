package model

import "time"

// Metrics はファクトレコードの数値指標を表す。
type Metrics struct {
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Reach       int64   `json:"reach"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Quantity    int64   `json:"quantity"`
}

// IsZero は全指標がゼロかどうかを返す。
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// FactRecord は外部プラットフォームから取得した1日・1エンティティ分の正規化済みデータを表す。
// (BrandID, EntityID, Date, Breakdown) で一意。Breakdown が無い場合は空文字列。
type FactRecord struct {
	BrandID    string            `json:"brand_id"`
	Entity     Entity            `json:"entity"`
	EntityID   string            `json:"entity_id"`
	Date       time.Time         `json:"date"`
	Breakdown  string            `json:"breakdown"`
	Metrics    Metrics           `json:"metrics"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SyncedAt   time.Time         `json:"synced_at"`
}

// FactKey はファクトレコードの一意キーを表す。
type FactKey struct {
	BrandID   string
	EntityID  string
	Date      string
	Breakdown string
}

// Key はレコードの一意キーを返す。
func (f FactRecord) Key() FactKey {
	return FactKey{BrandID: f.BrandID, EntityID: f.EntityID, Date: f.Date.Format(DateLayout), Breakdown: f.Breakdown}
}

// DailyTotal はエンティティの1日分の指標合計を表す。
type DailyTotal struct {
	Date    time.Time
	Metrics Metrics
}

// RejectedRecord は正規化できなかったレコードを表す。
type RejectedRecord struct {
	EntityID string
	Reason   string
}
