package platform

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hitoshi/brandsync/internal/model"
)

// Meta Graph APIのエラーコード
const (
	metaCodeTooManyCalls     = 4
	metaCodeUserRequestLimit = 17
	metaCodeSessionExpired   = 102
	metaCodePageRequestLimit = 32
	metaCodeOAuthException   = 190
	metaCodeAppRateLimit     = 613
	metaCodeBusinessRateMin  = 80000
	metaCodeBusinessRateMax  = 80014
)

type metaErrorEnvelope struct {
	Error *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type shopifyErrorEnvelope struct {
	Errors any `json:"errors"`
}

// isMetaRateLimitCode はMetaのレート制限系エラーコードかどうかを返す。
func isMetaRateLimitCode(code int) bool {
	switch code {
	case metaCodeTooManyCalls, metaCodeUserRequestLimit, metaCodePageRequestLimit, metaCodeAppRateLimit:
		return true
	}
	return code >= metaCodeBusinessRateMin && code <= metaCodeBusinessRateMax
}

// parseMetaError はMetaのエラーボディからコードとメッセージを取り出す。
func parseMetaError(body []byte) (int, string) {
	var env metaErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return 0, ""
	}
	return env.Error.Code, env.Error.Message
}

// metaRateLimited はHTTPClientのリトライ判定に使う。
func metaRateLimited(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	code, _ := parseMetaError(body)
	return isMetaRateLimitCode(code)
}

// Classify はプラットフォームのエラー応答をSyncErrorに変換する。
// HTTPステータスとプラットフォームのエラーコードはそのまま保持する。
func Classify(p model.Platform, status int, body []byte) *model.SyncError {
	switch p {
	case model.PlatformMeta:
		return classifyMeta(status, body)
	case model.PlatformShopify:
		return classifyShopify(status, body)
	}
	return &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: status, Message: truncate(string(body))}
}

func classifyMeta(status int, body []byte) *model.SyncError {
	code, msg := parseMetaError(body)
	if msg == "" {
		msg = fmt.Sprintf("meta api returned status %d", status)
	}
	se := &model.SyncError{HTTPStatus: status, Code: code, Message: msg}

	switch {
	case code == metaCodeOAuthException || code == metaCodeSessionExpired || status == http.StatusUnauthorized:
		se.Kind = model.KindAuthExpired
	case status == http.StatusTooManyRequests || isMetaRateLimitCode(code):
		se.Kind = model.KindRateLimited
	default:
		se.Kind = model.KindTotalFetchFailure
	}
	return se
}

func classifyShopify(status int, body []byte) *model.SyncError {
	msg := shopifyErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("shopify api returned status %d", status)
	}
	se := &model.SyncError{HTTPStatus: status, Message: msg}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		// 402はショップの支払い停止、403はスコープの取り消し
		se.Kind = model.KindAuthExpired
	case http.StatusTooManyRequests:
		se.Kind = model.KindRateLimited
	default:
		se.Kind = model.KindTotalFetchFailure
	}
	return se
}

func shopifyErrorMessage(body []byte) string {
	var env shopifyErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Errors == nil {
		return ""
	}
	switch v := env.Errors.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return truncate(string(b))
	}
}

func truncate(s string) string {
	const limit = 500
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
