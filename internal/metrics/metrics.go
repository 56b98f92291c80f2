// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はリコンサイル処理のPrometheusメトリクスを収集する。
type Collector struct {
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  prometheus.Histogram
	inflight prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_reconcile_total",
			Help: "リコンサイル成功の合計数（結果分類別: created/linked/updated）",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_reconcile_failures_total",
			Help: "リコンサイル失敗の合計数（エラーコード別）",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idlink_reconcile_latency_seconds",
			Help:    "リコンサイル処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idlink_reconcile_inflight",
			Help: "処理中のリコンサイル呼び出し数",
		}),
	}

	reg.MustRegister(
		c.outcomes,
		c.failures,
		c.latency,
		c.inflight,
	)

	return c
}

// RecordOutcome はリコンサイル成功を結果分類別に記録する。
func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// RecordFailure はリコンサイル失敗をエラーコード別に記録する。
func (c *Collector) RecordFailure(code string) {
	c.failures.WithLabelValues(code).Inc()
}

// RecordLatency はリコンサイル処理のレイテンシを記録する。
func (c *Collector) RecordLatency(duration time.Duration) {
	c.latency.Observe(duration.Seconds())
}

// IncInflight は処理中の呼び出し数をインクリメントする。
func (c *Collector) IncInflight() {
	c.inflight.Inc()
}

// DecInflight は処理中の呼び出し数をデクリメントする。
func (c *Collector) DecInflight() {
	c.inflight.Dec()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
