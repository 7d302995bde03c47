package model

import "time"

// SyncPhase はブランド単位の同期フェーズを表す。
type SyncPhase string

const (
	// PhaseHistorical は初回の過去データ取得中。
	PhaseHistorical SyncPhase = "historical"
	// PhaseIncremental は初回取得完了後の差分取得中。
	PhaseIncremental SyncPhase = "incremental"
	// PhaseCompleted は未処理のジョブが無い状態。
	PhaseCompleted SyncPhase = "completed"
	// PhaseFailed は初回取得にリトライ上限へ達した期間がある状態。
	PhaseFailed SyncPhase = "failed"
)

// FailedRange はリトライ上限に達した期間を表す。
type FailedRange struct {
	Entity       Entity    `json:"entity"`
	Start        string    `json:"start"`
	End          string    `json:"end"`
	ErrorKind    ErrorKind `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	HTTPStatus   int       `json:"http_status,omitempty"`
}

// SyncStatus はブランド・プラットフォーム単位の同期状況を表す。
// 台帳の各キーの最新試行からのみ算出し、手で編集しない。
type SyncStatus struct {
	BrandID          string           `json:"brand_id"`
	Platform         Platform         `json:"platform"`
	Pending          int              `json:"pending"`
	Running          int              `json:"running"`
	Completed        int              `json:"completed"`
	Failed           int              `json:"failed"`
	Exhausted        int              `json:"exhausted"`
	Total            int              `json:"total"`
	Phase            SyncPhase        `json:"phase"`
	Percent          int              `json:"percent"`
	FailedRanges     []FailedRange    `json:"failed_ranges"`
	ConnectionStatus ConnectionStatus `json:"connection_status,omitempty"`
	LastSyncedAt     *time.Time       `json:"last_synced_at,omitempty"`
	ComputedAt       time.Time        `json:"computed_at"`
}
