package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

// CounterStore は複数インスタンスで共有するレート制限カウンタのインターフェース。
// repository.RateLimitRepository の部分集合として定義する。
type CounterStore interface {
	Increment(ctx context.Context, key string, windowStart time.Time, expiresAt time.Time) (int, error)
}

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Limit  int           // ウィンドウあたりの上限。0以下の場合は制限しない
	Window time.Duration // 固定ウィンドウの長さ
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 手動同期 5 req/min/brand
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Limit:  5,
		Window: time.Minute,
	}
}

// RateLimiter はデータストア上の固定ウィンドウカウンタでレート制限を行う。
// プロセス内に状態を持たないため、サーバーレスや複数インスタンスでも上限が共有される。
type RateLimiter struct {
	config RateLimiterConfig
	store  CounterStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。
func NewRateLimiter(store CounterStore, config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Allow はkeyのリクエストを許可するかどうかと、拒否した場合の再試行までの時間を返す。
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if rl.config.Limit <= 0 {
		return true, 0, nil
	}
	now := rl.now()
	windowStart := now.Truncate(rl.config.Window)
	windowEnd := windowStart.Add(rl.config.Window)

	count, err := rl.store.Increment(ctx, key, windowStart, windowEnd)
	if err != nil {
		return false, 0, err
	}
	if count > rl.config.Limit {
		return false, windowEnd.Sub(now), nil
	}
	return true, 0, nil
}

// Middleware はkeyFuncで決まるキーごとのレート制限ミドルウェアを返す。
// カウンタの更新に失敗した場合はリクエストを通し、エラーを記録する。
func (rl *RateLimiter) Middleware(scope string, keyFunc func(r *http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + keyFunc(r)

			allowed, retryAfter, err := rl.Allow(r.Context(), key)
			if err != nil {
				rl.logger.Error("レート制限カウンタの更新に失敗しました",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeRateLimitResponse(w, retryAfter)
				rl.logger.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", scope),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには現在のウィンドウが終わるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
