// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/hitoshi/brandsync/internal/middleware"
	"github.com/hitoshi/brandsync/internal/model"
)

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// APIError以外のエラーの詳細はログにのみ出力する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
		return
	}
	if model.IsKind(err, model.KindInvalidRange) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError(err.Error()))
		return
	}

	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
