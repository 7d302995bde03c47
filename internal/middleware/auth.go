// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/brandsync/internal/model"
)

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを共有シークレットと照合するミドルウェアを返す。
// cronエンドポイント（CRON_SECRET）とダッシュボードAPI（API_TOKEN）で使用する。
// シークレットが空の場合は全てのリクエストを拒否する。
func NewBearerAuthMiddleware(secret string, scope string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				slog.Warn("認証に失敗しました",
					slog.String("scope", scope),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
