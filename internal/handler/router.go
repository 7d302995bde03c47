package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/brandsync/internal/middleware"
	"github.com/hitoshi/brandsync/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	CronSecret        string
	APIToken          string
	SyncRateLimiter   *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker  repository.Pinger
	MetricsHandler http.Handler

	// cron
	Drainer   Drainer
	GapRunner GapRunner
	Roller    Roller
	Cron      CronConfig

	// ダッシュボードAPI
	ConnectionService ConnectionServiceInterface
	TriggerService    TriggerServiceInterface
	StatusService     StatusServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → CORS → BearerAuth(cron / api) → RateLimit(手動同期のみ)
//
// /health と /metrics は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	cronHandler := NewCronHandler(deps.Drainer, deps.GapRunner, deps.Roller, deps.Cron, logger)
	connHandler := NewConnectionHandler(deps.ConnectionService, logger)
	syncHandler := NewSyncHandler(deps.TriggerService, deps.StatusService, deps.ConnectionService, logger)

	// --- 認証不要のルート ---
	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- cron（CRON_SECRET） ---
	// 外部スケジューラによってはGETしか送れないため、GETとPOSTの両方を受け付ける
	r.Route("/api/cron", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.CronSecret, "cron"))

		r.Get("/drain", cronHandler.Drain)
		r.Post("/drain", cronHandler.Drain)
		r.Get("/gaps", cronHandler.Gaps)
		r.Post("/gaps", cronHandler.Gaps)
		r.Get("/rollover", cronHandler.Rollover)
		r.Post("/rollover", cronHandler.Rollover)
	})

	// --- ダッシュボードAPI（API_TOKEN） ---
	r.Route("/api/brands/{brandID}", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.APIToken, "api"))

		r.Get("/connections", connHandler.List)
		r.Post("/connections", connHandler.Connect)
		r.Delete("/connections/{platform}", connHandler.Disconnect)

		// POST /api/brands/{brandID}/sync - 手動同期（ブランド単位のレート制限を適用）
		if deps.SyncRateLimiter != nil {
			r.With(deps.SyncRateLimiter.Middleware("sync", brandIDKey)).Post("/sync", syncHandler.Sync)
		} else {
			r.Post("/sync", syncHandler.Sync)
		}
		r.Get("/sync-status", syncHandler.Status)
	})

	return r
}

// brandIDKey はレート制限のキーとしてURLのブランドIDを返す。
func brandIDKey(r *http.Request) string {
	return chi.URLParam(r, "brandID")
}
