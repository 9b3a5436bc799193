// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ブッキングエンジン、キャッシュ、リフレッシュワーカーから利用する。
type MetricsCollector interface {
	RecordBookingCreated(gameID string)
	RecordBookingCancelled(gameID string)
	RecordBookingRejected(reason string)
	RecordCacheResult(status string)
	RecordCacheFetchError(key string)
	RecordRefreshRun(key string, err error)
	RecordRefreshLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookingsCreated   prometheus.Counter
	bookingsCancelled prometheus.Counter
	bookingRejected   *prometheus.CounterVec
	cacheResults      *prometheus.CounterVec
	cacheFetchErrors  prometheus.Counter
	refreshRuns       *prometheus.CounterVec
	refreshLatency    prometheus.Histogram
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pickleplay_bookings_created_total",
			Help: "作成された予約の合計数",
		}),
		bookingsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pickleplay_bookings_cancelled_total",
			Help: "キャンセルされた予約の合計数",
		}),
		bookingRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickleplay_booking_rejected_total",
			Help: "理由別の予約拒否数",
		}, []string{"reason"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickleplay_cache_requests_total",
			Help: "結果別のキャッシュ参照数（fresh, refreshed, stale, miss）",
		}, []string{"status"}),
		cacheFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pickleplay_cache_fetch_errors_total",
			Help: "キャッシュのフェッチ失敗の合計数",
		}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickleplay_cache_refresh_runs_total",
			Help: "結果別のバックグラウンドリフレッシュ実行数",
		}, []string{"result"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pickleplay_cache_refresh_latency_seconds",
			Help:    "バックグラウンドリフレッシュのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickleplay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.bookingsCreated,
		c.bookingsCancelled,
		c.bookingRejected,
		c.cacheResults,
		c.cacheFetchErrors,
		c.refreshRuns,
		c.refreshLatency,
		c.httpStatus,
	)

	return c
}

// RecordBookingCreated は予約作成を記録する。
func (c *Collector) RecordBookingCreated(gameID string) {
	c.bookingsCreated.Inc()
}

// RecordBookingCancelled は予約キャンセルを記録する。
func (c *Collector) RecordBookingCancelled(gameID string) {
	c.bookingsCancelled.Inc()
}

// RecordBookingRejected は予約拒否を理由（エラーコード）別に記録する。
func (c *Collector) RecordBookingRejected(reason string) {
	c.bookingRejected.WithLabelValues(reason).Inc()
}

// RecordCacheResult はキャッシュ参照結果を記録する。
func (c *Collector) RecordCacheResult(status string) {
	c.cacheResults.WithLabelValues(status).Inc()
}

// RecordCacheFetchError はキャッシュのフェッチ失敗を記録する。
func (c *Collector) RecordCacheFetchError(key string) {
	c.cacheFetchErrors.Inc()
}

// RecordRefreshRun はバックグラウンドリフレッシュの実行結果を記録する。
func (c *Collector) RecordRefreshRun(key string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.refreshRuns.WithLabelValues(result).Inc()
}

// RecordRefreshLatency はリフレッシュのレイテンシを記録する。
func (c *Collector) RecordRefreshLatency(duration time.Duration) {
	c.refreshLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスが単独でスクレイプを受ける場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
