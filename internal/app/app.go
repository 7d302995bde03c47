// Package app はコマンドライン引数に応じて各モードを起動し、依存関係をワイヤリングする。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/brandsync/internal/config"
	"github.com/hitoshi/brandsync/internal/database"
	"github.com/hitoshi/brandsync/internal/handler"
	"github.com/hitoshi/brandsync/internal/logger"
	"github.com/hitoshi/brandsync/internal/metrics"
	"github.com/hitoshi/brandsync/internal/middleware"
	"github.com/hitoshi/brandsync/internal/worker/fetch"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると処理を停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage", cfg.StorageDriver),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, c)
	case CommandDrain:
		return runDrain(ctx, cfg, c)
	case CommandDetectGaps:
		return runDetectGaps(ctx, c)
	case CommandRollover:
		return runRollover(ctx, c)
	case CommandCleanup:
		return c.cleanup.Run(ctx)
	default:
		return runServe(ctx, cfg, c)
	}
}

// runServe はAPIサーバーモードで起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
// memoryドライバではワーカーとストアを共有できないため、同じプロセスでスケジューラも起動する。
func runServe(ctx context.Context, cfg *config.Config, c *components) error {
	log := slog.Default()

	limiter := middleware.NewRateLimiter(c.store.counters, middleware.RateLimiterConfig{
		Limit:  cfg.ManualSyncPerMinute,
		Window: time.Minute,
	}, log)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CronSecret:        cfg.CronSecret,
		APIToken:          cfg.APIToken,
		SyncRateLimiter:   limiter,

		HealthChecker:  c.store.pinger,
		MetricsHandler: metrics.Handler(c.registry),

		Drainer:   c.scheduler,
		GapRunner: c.gaps,
		Roller:    c.trigger,
		Cron:      handler.CronConfig{MaxJobs: cfg.DrainMaxJobs, Budget: cfg.DrainBudget},

		ConnectionService: c.conns,
		TriggerService:    c.trigger,
		StatusService:     c.progress,
	})

	// cronのドレインは予算いっぱいまでレスポンスを返さない
	writeTimeout := 15 * time.Second
	if d := cfg.DrainBudget + 15*time.Second; d > writeTimeout {
		writeTimeout = d
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	done := make(chan struct{})
	if cfg.StorageDriver == config.StorageMemory {
		go func() {
			defer close(done)
			c.scheduler.Start(workerCtx, c.schedule(cfg))
		}()
	} else {
		close(done)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancelWorker()
		<-done
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancelWorker()
	<-done

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ドレイン・欠損検出・ロールオーバーをスケジューラで、クリーンアップを日次で実行する。
// コンテキストがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config, c *components) error {
	slog.Info("worker starting",
		slog.Duration("drain_interval", cfg.WorkerInterval),
		slog.Int("max_concurrent", cfg.DrainConcurrency),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		c.runCleanupDaily(ctx)
	}()

	// スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx, c.schedule(cfg))
	<-cleanupDone

	slog.Info("worker stopped gracefully")
	return nil
}

// runDrain はドレインを1回実行する。
// 1件もジョブを取得できなかった場合のみエラーを返す。
func runDrain(ctx context.Context, cfg *config.Config, c *components) error {
	res := c.scheduler.Drain(ctx, fetch.Budget{
		MaxJobs:  cfg.DrainMaxJobs,
		Deadline: time.Now().Add(cfg.DrainBudget),
	})
	if res.Fatal != nil {
		return fmt.Errorf("drain failed: %w", res.Fatal)
	}

	level := slog.LevelInfo
	if len(res.Errors) > 0 {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "drain finished",
		slog.Int("processed", res.Processed),
		slog.Int("completed", res.Completed),
		slog.Int("released", res.Released),
		slog.Int("failed", res.Failed),
		slog.Int("exhausted", res.Exhausted),
		slog.Int("reclaimed", res.Reclaimed),
		slog.Int("errors", len(res.Errors)),
	)
	return nil
}

// runDetectGaps は欠損検出を1回実行する。
func runDetectGaps(ctx context.Context, c *components) error {
	res, err := c.gaps.Run(ctx)
	if err != nil {
		return fmt.Errorf("gap detection failed: %w", err)
	}
	slog.Info("gap detection finished",
		slog.Int("connections", res.Connections),
		slog.Int("missing_days", res.MissingDays),
		slog.Int("stale_days", res.StaleDays),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("errors", len(res.Errors)),
	)
	return nil
}

// runRollover は日次ロールオーバーを1回実行する。
func runRollover(ctx context.Context, c *components) error {
	res, err := c.trigger.Rollover(ctx)
	if err != nil {
		return fmt.Errorf("rollover failed: %w", err)
	}
	slog.Info("rollover finished",
		slog.Int("connections", res.Connections),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("errors", len(res.Errors)),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver == config.StorageMemory {
		slog.Info("in-memory storage needs no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	state, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(state.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
