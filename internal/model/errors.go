// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRange       = "INVALID_RANGE"
	ErrCodeInvalidPlatform    = "INVALID_PLATFORM"
	ErrCodeInvalidEntity      = "INVALID_ENTITY"
	ErrCodeInvalidReason      = "INVALID_REASON"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidAccount     = "INVALID_ACCOUNT"
	ErrCodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	ErrCodeConnectionInactive = "CONNECTION_INACTIVE"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRangeError は日付範囲が不正な場合のエラーを生成する。
func NewInvalidRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("無効な日付範囲です: %s", reason),
		Category: "validation",
		Action:   "開始日と終了日をYYYY-MM-DD形式で、終了日が開始日以降になるよう指定してください。",
	}
}

// NewInvalidPlatformError は未対応のプラットフォームが指定された場合のエラーを生成する。
func NewInvalidPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "platformには meta または shopify を指定してください。",
	}
}

// NewInvalidEntityError は対象プラットフォームに存在しないエンティティが指定された場合のエラーを生成する。
func NewInvalidEntityError(entity string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEntity,
		Message:  fmt.Sprintf("無効なエンティティです: %s", entity),
		Category: "validation",
		Action:   "プラットフォームに対応するエンティティを指定してください。",
	}
}

// NewInvalidReasonError は同期理由が不正な場合のエラーを生成する。
func NewInvalidReasonError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReason,
		Message:  fmt.Sprintf("無効な同期理由です: %s", reason),
		Category: "validation",
		Action:   "reasonには manual、reconnect、repair のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidAccountError は外部アカウントIDが不正な場合のエラーを生成する。
func NewInvalidAccountError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAccount,
		Message:  fmt.Sprintf("外部アカウントIDが不正です: %s", reason),
		Category: "validation",
		Action:   "Metaは act_ で始まる広告アカウントID、Shopifyは *.myshopify.com のショップドメインを指定してください。",
	}
}

// NewConnectionNotFoundError は接続が存在しない場合のエラーを生成する。
func NewConnectionNotFoundError(platform Platform) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionNotFound,
		Message:  fmt.Sprintf("%s との接続が見つかりません。", platform),
		Category: "sync",
		Action:   "連携設定からプラットフォームを接続してください。",
	}
}

// NewConnectionInactiveError は接続が有効でない場合のエラーを生成する。
func NewConnectionInactiveError(platform Platform, status ConnectionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionInactive,
		Message:  fmt.Sprintf("%s との接続が有効ではありません（状態: %s）。", platform, status),
		Category: "sync",
		Action:   "連携設定からプラットフォームを再接続してください。",
	}
}

// NewUnauthorizedError は認証に失敗した場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "Authorizationヘッダーに正しいBearerトークンを指定してください。",
	}
}

// NewRateLimitedError は手動同期のレート制限に達した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "同期リクエストが多すぎます。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ出力する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ErrorKind は同期処理で発生するエラーの分類を表す。
type ErrorKind string

const (
	// KindInvalidRange は日付範囲の入力エラー。リトライしない。
	KindInvalidRange ErrorKind = "invalid_range"
	// KindRateLimited はプラットフォームのレート制限。ジョブ内でバックオフ後、台帳でリトライする。
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuthExpired は認証情報の失効。接続をexpiredにし、ジョブは保留に戻す。
	KindAuthExpired ErrorKind = "auth_expired"
	// KindPartialFetchFailure は一部レコードの正規化・保存失敗。ジョブは完了扱い。
	KindPartialFetchFailure ErrorKind = "partial_fetch_failure"
	// KindTotalFetchFailure はネットワークエラーや5xxによる取得失敗。
	KindTotalFetchFailure ErrorKind = "total_fetch_failure"
	// KindStuckJob はリース期限を過ぎた実行中ジョブ。
	KindStuckJob ErrorKind = "stuck_job"
	// KindCircuitOpen はサーキットブレーカーが開いている状態。ジョブは保留に戻す。
	KindCircuitOpen ErrorKind = "circuit_open"
)

// SyncError は同期処理のエラーを表す。
// HTTPステータスとプラットフォームのエラーコードはそのまま保持する。
type SyncError struct {
	Kind       ErrorKind
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (http %d, code %d): %s", e.Kind, e.HTTPStatus, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap は元のエラーを返す。
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable は台帳レベルのリトライ対象かどうかを返す。
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTotalFetchFailure, KindStuckJob:
		return true
	default:
		return false
	}
}

// NewSyncError はSyncErrorを生成する。
func NewSyncError(kind ErrorKind, msg string) *SyncError {
	return &SyncError{Kind: kind, Message: msg}
}

// AsSyncError はエラーチェーンからSyncErrorを取り出す。
// SyncErrorでない場合はTotalFetchFailureとして包んで返す。
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Kind: KindTotalFetchFailure, Message: err.Error(), Err: err}
}

// IsKind はエラーが指定された分類のSyncErrorかどうかを返す。
func IsKind(err error, kind ErrorKind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
