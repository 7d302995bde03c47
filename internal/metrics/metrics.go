// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brandsync"

// breakerStates はサーキットブレーカーの状態と数値の対応。
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Collector はPrometheusメトリクスを収集する実装。
// 台帳・フェッチャー・プラットフォームクライアント・スケジューラ・欠損検出の
// 各メトリクス記録インターフェースを満たす。
type Collector struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsClaimed   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsReleased  *prometheus.CounterVec
	jobsReclaimed *prometheus.CounterVec

	recordsUpserted *prometheus.CounterVec
	recordsRejected *prometheus.CounterVec
	fetchLatency    *prometheus.HistogramVec

	httpStatus     *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec

	drainDuration  prometheus.Histogram
	drainProcessed prometheus.Counter

	gapDays *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "台帳に投入したジョブの合計数",
		}, []string{"platform", "entity", "reason"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "取得したジョブの合計数",
		}, []string{"platform", "entity"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "完了したジョブの合計数",
		}, []string{"platform", "entity"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "失敗したジョブの合計数",
		}, []string{"platform", "entity", "kind", "exhausted"}),
		jobsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_released_total",
			Help:      "保留に戻したジョブの合計数",
		}, []string{"platform", "entity", "kind"}),
		jobsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "リース期限切れで回収したジョブの合計数",
		}, []string{"platform", "entity"}),
		recordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_upserted_total",
			Help:      "アップサートしたファクトレコードの合計数",
		}, []string{"platform", "entity"}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "正規化できなかったレコードの合計数",
		}, []string{"platform", "entity"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "1ジョブ分の取得のレイテンシ（秒）",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"platform", "entity"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_http_status_total",
			Help:      "プラットフォームAPIのHTTPステータスコード別のレスポンス数",
		}, []string{"platform", "status_code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_request_seconds",
			Help:      "プラットフォームAPIの1リクエストのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "platform_breaker_state",
			Help:      "サーキットブレーカーの状態（0=closed, 1=half-open, 2=open）",
		}, []string{"platform"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "1回のドレインの所要時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}),
		drainProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_processed_total",
			Help:      "ドレインで処理したジョブの合計数",
		}),
		gapDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_days_total",
			Help:      "欠損検出で見つかった日数の合計",
		}, []string{"platform", "entity", "kind"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsReleased,
		c.jobsReclaimed,
		c.recordsUpserted,
		c.recordsRejected,
		c.fetchLatency,
		c.httpStatus,
		c.requestLatency,
		c.breakerState,
		c.drainDuration,
		c.drainProcessed,
		c.gapDays,
	)

	return c
}

// RecordJobEnqueued はジョブの投入を記録する。
func (c *Collector) RecordJobEnqueued(platform, entity, reason string) {
	c.jobsEnqueued.WithLabelValues(platform, entity, reason).Inc()
}

// RecordJobClaimed はジョブの取得を記録する。
func (c *Collector) RecordJobClaimed(platform, entity string) {
	c.jobsClaimed.WithLabelValues(platform, entity).Inc()
}

// RecordJobCompleted はジョブの完了を記録する。
func (c *Collector) RecordJobCompleted(platform, entity string) {
	c.jobsCompleted.WithLabelValues(platform, entity).Inc()
}

// RecordJobFailed はジョブの失敗を記録する。
func (c *Collector) RecordJobFailed(platform, entity, kind string, exhausted bool) {
	c.jobsFailed.WithLabelValues(platform, entity, kind, strconv.FormatBool(exhausted)).Inc()
}

// RecordJobReleased はジョブを保留に戻したことを記録する。
func (c *Collector) RecordJobReleased(platform, entity, kind string) {
	c.jobsReleased.WithLabelValues(platform, entity, kind).Inc()
}

// RecordJobReclaimed はリース期限切れジョブの回収を記録する。
func (c *Collector) RecordJobReclaimed(platform, entity string) {
	c.jobsReclaimed.WithLabelValues(platform, entity).Inc()
}

// RecordRecords は保存したレコード数と正規化できなかったレコード数を記録する。
func (c *Collector) RecordRecords(platform, entity string, written, rejected int) {
	c.recordsUpserted.WithLabelValues(platform, entity).Add(float64(written))
	c.recordsRejected.WithLabelValues(platform, entity).Add(float64(rejected))
}

// RecordFetchDuration は取得のレイテンシを記録する。
func (c *Collector) RecordFetchDuration(platform, entity string, d time.Duration) {
	c.fetchLatency.WithLabelValues(platform, entity).Observe(d.Seconds())
}

// ObservePlatformRequest はプラットフォームAPIのレスポンスを記録する。
// ネットワークエラーはステータス0として記録する。
func (c *Collector) ObservePlatformRequest(platform string, status int, duration time.Duration) {
	c.httpStatus.WithLabelValues(platform, strconv.Itoa(status)).Inc()
	c.requestLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveBreakerState はサーキットブレーカーの状態を記録する。
func (c *Collector) ObserveBreakerState(platform string, state string) {
	if v, ok := breakerStates[state]; ok {
		c.breakerState.WithLabelValues(platform).Set(v)
	}
}

// RecordDrain はドレインの所要時間と処理件数を記録する。
func (c *Collector) RecordDrain(d time.Duration, processed int) {
	c.drainDuration.Observe(d.Seconds())
	c.drainProcessed.Add(float64(processed))
}

// RecordGapDays は欠損検出で見つかった日数を記録する。
func (c *Collector) RecordGapDays(platform, entity, kind string, days int) {
	c.gapDays.WithLabelValues(platform, entity, kind).Add(float64(days))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
