package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストレージドライバ
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string
	DatabaseURL   string

	// Secrets
	CronSecret string
	APIToken   string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// Meta
	MetaGraphURL          string
	MetaAPIVersion        string
	MetaRequestsPerSecond float64

	// Shopify
	ShopifyAPIVersion        string
	ShopifyRequestsPerSecond float64

	// Platform HTTP
	HTTPTimeout        time.Duration
	RateLimitRetries   int
	RateLimitBaseDelay time.Duration
	RateLimitMaxDelay  time.Duration
	BreakerTimeout     time.Duration

	// Planning
	ChunkDays   int
	HistoryDays int
	RefreshDays int

	// Ledger
	MaxAttempts    int
	LeaseDuration  time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Drain
	JobTimeout       time.Duration
	DrainMaxJobs     int
	DrainBudget      time.Duration
	DrainConcurrency int

	// Worker
	WorkerInterval   time.Duration
	GapInterval      time.Duration
	RolloverInterval time.Duration

	// Rate Limit
	ManualSyncPerMinute int

	// Retention
	HistoryRetentionDays int

	// Events
	KafkaBrokers string
	KafkaTopic   string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env がある場合は先に読み込む（既に設定済みの環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.StorageDriver = getEnvString("STORAGE_DRIVER", StoragePostgres)
	if cfg.StorageDriver != StoragePostgres && cfg.StorageDriver != StorageMemory {
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q (want %s or %s)", cfg.StorageDriver, StoragePostgres, StorageMemory)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageDriver == StoragePostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.CronSecret = os.Getenv("CRON_SECRET")
	if cfg.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}

	cfg.APIToken = os.Getenv("API_TOKEN")
	if cfg.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	cfg.MetaGraphURL = getEnvString("META_GRAPH_URL", "https://graph.facebook.com")
	cfg.MetaAPIVersion = getEnvString("META_API_VERSION", "v19.0")
	cfg.MetaRequestsPerSecond = getEnvFloat("META_REQUESTS_PER_SECOND", 5)
	cfg.ShopifyAPIVersion = getEnvString("SHOPIFY_API_VERSION", "2024-01")
	cfg.ShopifyRequestsPerSecond = getEnvFloat("SHOPIFY_REQUESTS_PER_SECOND", 2)

	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 20*time.Second)
	cfg.RateLimitRetries = getEnvInt("RATE_LIMIT_RETRIES", 4)
	cfg.RateLimitBaseDelay = getEnvDuration("RATE_LIMIT_BASE_DELAY", 2*time.Second)
	cfg.RateLimitMaxDelay = getEnvDuration("RATE_LIMIT_MAX_DELAY", 30*time.Second)
	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", 2*time.Minute)

	cfg.ChunkDays = getEnvInt("CHUNK_DAYS", 30)
	cfg.HistoryDays = getEnvInt("HISTORY_DAYS", 365)
	cfg.RefreshDays = getEnvInt("REFRESH_DAYS", 3)

	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 3)
	cfg.LeaseDuration = getEnvDuration("LEASE_DURATION", 10*time.Minute)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", time.Minute)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", time.Hour)

	cfg.JobTimeout = getEnvDuration("JOB_TIMEOUT", 45*time.Second)
	cfg.DrainMaxJobs = getEnvInt("DRAIN_MAX_JOBS", 20)
	cfg.DrainBudget = getEnvDuration("DRAIN_BUDGET", 55*time.Second)
	cfg.DrainConcurrency = getEnvInt("DRAIN_CONCURRENCY", 2)

	cfg.WorkerInterval = getEnvDuration("WORKER_INTERVAL", 2*time.Minute)
	cfg.GapInterval = getEnvDuration("GAP_INTERVAL", 24*time.Hour)
	cfg.RolloverInterval = getEnvDuration("ROLLOVER_INTERVAL", 24*time.Hour)

	cfg.ManualSyncPerMinute = getEnvInt("MANUAL_SYNC_PER_MINUTE", 5)
	cfg.HistoryRetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", 30)

	cfg.KafkaBrokers = getEnvString("KAFKA_BROKERS", "")
	cfg.KafkaTopic = getEnvString("KAFKA_TOPIC", "sync-status")

	if cfg.LeaseDuration <= cfg.JobTimeout {
		return nil, fmt.Errorf("LEASE_DURATION (%s) must be longer than JOB_TIMEOUT (%s)", cfg.LeaseDuration, cfg.JobTimeout)
	}

	return cfg, nil
}

// loadDotEnv はファイルが存在する場合のみ環境変数として読み込む。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
