package model

import (
	"fmt"
	"time"
)

// JobStatus は同期ジョブの状態を表す。
// 遷移は pending → running → {completed | failed} の一方向のみ。
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal は終端状態かどうかを返す。
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Reason はジョブを投入した契機を表す。
type Reason string

const (
	ReasonManual    Reason = "manual"
	ReasonCron      Reason = "cron"
	ReasonReconnect Reason = "reconnect"
	ReasonRepair    Reason = "repair"
	ReasonGap       Reason = "gap"
)

// ParseReason は文字列をReasonに変換する。
func ParseReason(s string) (Reason, error) {
	switch Reason(s) {
	case ReasonManual, ReasonCron, ReasonReconnect, ReasonRepair, ReasonGap:
		return Reason(s), nil
	default:
		return "", NewInvalidReasonError(s)
	}
}

// Explicit は利用者の明示的な操作による投入かどうかを返す。
// 明示的な投入のみがリトライ上限に達したキーを再投入できる。
func (r Reason) Explicit() bool {
	return r == ReasonManual || r == ReasonReconnect || r == ReasonRepair
}

// SyncJob は「ブランドBのエンティティEを期間[start,end]で取得する」作業単位を表す。
// 終端状態の行は変更しない。リトライはPreviousJobIDで連結された新しい行として作られる。
type SyncJob struct {
	ID              string     `json:"id"`
	JobKey          string     `json:"job_key"`
	BrandID         string     `json:"brand_id"`
	Platform        Platform   `json:"platform"`
	Entity          Entity     `json:"entity"`
	Range           DateRange  `json:"-"`
	Status          JobStatus  `json:"status"`
	Attempt         int        `json:"attempt"`
	Exhausted       bool       `json:"exhausted"`
	Reason          Reason     `json:"reason"`
	InitialLoad     bool       `json:"initial_load"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	HTTPStatus      int        `json:"http_status,omitempty"`
	ErrorCode       int        `json:"error_code,omitempty"`
	RecordsWritten  int        `json:"records_written"`
	RecordsRejected int        `json:"records_rejected"`
	PreviousJobID   string     `json:"previous_job_id,omitempty"`
	EligibleAt      time.Time  `json:"eligible_at"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobKey はジョブの冪等キーを生成する。
// 同じブランド・プラットフォーム・エンティティ・期間からは常に同じキーが得られる。
func JobKey(brandID string, platform Platform, entity Entity, r DateRange) string {
	return fmt.Sprintf("%s:%s:%s:%s", brandID, platform, entity, r)
}

// JobResult はジョブ完了時の結果を表す。
type JobResult struct {
	RecordsWritten  int
	RecordsRejected int
}
