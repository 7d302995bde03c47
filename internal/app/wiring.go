package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/brandsync/internal/config"
	"github.com/hitoshi/brandsync/internal/connection"
	"github.com/hitoshi/brandsync/internal/database"
	"github.com/hitoshi/brandsync/internal/events"
	"github.com/hitoshi/brandsync/internal/ledger"
	"github.com/hitoshi/brandsync/internal/metrics"
	"github.com/hitoshi/brandsync/internal/platform"
	"github.com/hitoshi/brandsync/internal/progress"
	"github.com/hitoshi/brandsync/internal/repository"
	"github.com/hitoshi/brandsync/internal/security"
	"github.com/hitoshi/brandsync/internal/trigger"
	"github.com/hitoshi/brandsync/internal/worker/cleanup"
	"github.com/hitoshi/brandsync/internal/worker/fetch"
	"github.com/hitoshi/brandsync/internal/worker/gaps"
)

// storage はリポジトリ実装一式。
type storage struct {
	conns    repository.ConnectionRepository
	facts    repository.FactRepository
	jobs     repository.JobRepository
	statuses repository.StatusRepository
	counters repository.RateLimitRepository
	pinger   repository.Pinger
	close    func() error
}

// openStorage はSTORAGE_DRIVERに応じてリポジトリを初期化する。
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.StorageDriver == config.StorageMemory {
		s := repository.NewMemStore()
		slog.Warn("in-memory storage is enabled; data is lost on exit")
		return &storage{
			conns:    s,
			facts:    s,
			jobs:     s,
			statuses: s,
			counters: s,
			pinger:   s,
			close:    func() error { return nil },
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	return &storage{
		conns:    repository.NewPostgresConnectionRepo(db),
		facts:    repository.NewPostgresFactRepo(db),
		jobs:     repository.NewPostgresJobRepo(db),
		statuses: repository.NewPostgresStatusRepo(db),
		counters: repository.NewPostgresRateLimitRepo(db),
		pinger:   db,
		close:    db.Close,
	}, nil
}

// components は全モードで共有する依存関係。
type components struct {
	store     *storage
	registry  *prometheus.Registry
	collector *metrics.Collector
	ledger    *ledger.Ledger
	trigger   *trigger.Service
	conns     *connection.Service
	progress  *progress.Aggregator
	publisher events.StatusPublisher
	scheduler *fetch.Scheduler
	gaps      *gaps.Detector
	cleanup   *cleanup.CleanupJob
}

// build はストレージを開き、全依存関係をワイヤリングする。
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	l := ledger.New(store.jobs, ledger.Config{
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		LeaseDuration:  cfg.LeaseDuration,
	}, collector, logger)

	tr := trigger.NewService(store.conns, l, l, logger, trigger.Config{
		ChunkDays:   cfg.ChunkDays,
		HistoryDays: cfg.HistoryDays,
		RefreshDays: cfg.RefreshDays,
	})

	guard := security.NewSSRFGuard()
	connSvc := connection.NewService(store.conns, guard, tr, logger)
	agg := progress.NewAggregator(store.jobs, store.conns, store.statuses, logger)

	sources, err := platform.NewRegistry(platform.ClientsConfig{
		Timeout:                  cfg.HTTPTimeout,
		RateLimitRetries:         cfg.RateLimitRetries,
		RateLimitBaseWait:        cfg.RateLimitBaseDelay,
		RateLimitMaxWait:         cfg.RateLimitMaxDelay,
		BreakerTimeout:           cfg.BreakerTimeout,
		Meta:                     platform.MetaConfig{BaseURL: cfg.MetaGraphURL, APIVersion: cfg.MetaAPIVersion},
		MetaRequestsPerSecond:    cfg.MetaRequestsPerSecond,
		Shopify:                  platform.ShopifyConfig{APIVersion: cfg.ShopifyAPIVersion},
		ShopifyRequestsPerSecond: cfg.ShopifyRequestsPerSecond,
	}, guard, security.NewTextSanitizer(), collector, logger)
	if err != nil {
		store.close()
		return nil, fmt.Errorf("failed to build platform clients: %w", err)
	}

	var publisher events.StatusPublisher = events.NopPublisher{}
	if cfg.KafkaBrokers != "" {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("sync status events enabled", slog.String("topic", cfg.KafkaTopic))
	}

	fetcher := fetch.NewFetcher(store.conns, store.facts, sources, l, collector, logger, cfg.BreakerTimeout)
	scheduler := fetch.NewScheduler(l, fetcher, agg, publisher, collector, logger, cfg.DrainConcurrency, cfg.JobTimeout)

	detector := gaps.NewDetector(store.conns, store.facts, l, l, collector, logger, gaps.Config{
		ChunkDays:   cfg.ChunkDays,
		HistoryDays: cfg.HistoryDays,
	})

	cleanupJob := cleanup.NewCleanupJob(l, store.counters, logger)
	if cfg.HistoryRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.HistoryRetentionDays
	}

	return &components{
		store:     store,
		registry:  reg,
		collector: collector,
		ledger:    l,
		trigger:   tr,
		conns:     connSvc,
		progress:  agg,
		publisher: publisher,
		scheduler: scheduler,
		gaps:      detector,
		cleanup:   cleanupJob,
	}, nil
}

// Close は通知先とストレージを閉じる。
func (c *components) Close() error {
	if err := c.publisher.Close(); err != nil {
		slog.Error("failed to close publisher", slog.String("error", err.Error()))
	}
	return c.store.close()
}

// schedule は常駐モードの定期実行設定を返す。
func (c *components) schedule(cfg *config.Config) fetch.Schedule {
	return fetch.Schedule{
		DrainInterval: cfg.WorkerInterval,
		DrainMaxJobs:  cfg.DrainMaxJobs,
		DrainBudget:   cfg.DrainBudget,
		GapInterval:   cfg.GapInterval,
		Gaps: func(ctx context.Context) error {
			_, err := c.gaps.Run(ctx)
			return err
		},
		RolloverInterval: cfg.RolloverInterval,
		Rollover: func(ctx context.Context) error {
			_, err := c.trigger.Rollover(ctx)
			return err
		},
	}
}

// runCleanupDaily はクリーンアップジョブを起動直後と24時間ごとに実行する。
func (c *components) runCleanupDaily(ctx context.Context) {
	if err := c.cleanup.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.cleanup.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
