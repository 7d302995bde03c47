package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
)

// NewRecoveryMiddleware はハンドラーのpanicを回収して500の統一エラーを返すミドルウェアを生成する。
// http.ErrAbortHandlerによる中断はnet/httpに処理させるため再度panicする。
// Loggingミドルウェアの内側に置くと、ログにリクエストIDが含まれる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if id := RequestIDFromContext(r.Context()); id != "" {
					attrs = append(attrs, slog.String("request_id", id))
				}
				if brandID := chi.URLParamFromCtx(r.Context(), "brandID"); brandID != "" {
					attrs = append(attrs, slog.String("brand_id", brandID))
				}
				logger.Error("panic recovered", attrs...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
