// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイ、リコンサイルストア、認証セッションから利用する。
type MetricsCollector interface {
	RecordGatewayOp(collection, op, result string, duration time.Duration)
	RecordSnapshotApplied(collection string, size int)
	RecordSnapshotDiscarded(collection, reason string)
	SubscriptionOpened(collection string)
	SubscriptionClosed(collection string)
	RecordAuthEvent(event, result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gatewayOps          *prometheus.CounterVec
	gatewayLatency      *prometheus.HistogramVec
	snapshotsApplied    *prometheus.CounterVec
	snapshotSize        *prometheus.GaugeVec
	snapshotsDiscarded  *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	authEvents          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gatewayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_gateway_ops_total",
			Help: "ゲートウェイ操作の合計数（結果別）",
		}, []string{"collection", "op", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasksync_gateway_latency_seconds",
			Help:    "ゲートウェイ操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "op"}),
		snapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_snapshots_applied_total",
			Help: "適用されたスナップショットの合計数",
		}, []string{"collection"}),
		snapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tasksync_collection_size",
			Help: "直近に適用したスナップショットの件数",
		}, []string{"collection"}),
		snapshotsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_snapshots_discarded_total",
			Help: "破棄されたスナップショットの合計数（理由別）",
		}, []string{"collection", "reason"}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tasksync_active_subscriptions",
			Help: "有効なライブ購読数",
		}, []string{"collection"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_auth_events_total",
			Help: "認証イベントの合計数",
		}, []string{"event", "result"}),
	}

	reg.MustRegister(
		c.gatewayOps,
		c.gatewayLatency,
		c.snapshotsApplied,
		c.snapshotSize,
		c.snapshotsDiscarded,
		c.activeSubscriptions,
		c.authEvents,
	)

	return c
}

// RecordGatewayOp はゲートウェイ操作の結果とレイテンシを記録する。
func (c *Collector) RecordGatewayOp(collection, op, result string, duration time.Duration) {
	c.gatewayOps.WithLabelValues(collection, op, result).Inc()
	c.gatewayLatency.WithLabelValues(collection, op).Observe(duration.Seconds())
}

// RecordSnapshotApplied はスナップショットの適用を記録する。
func (c *Collector) RecordSnapshotApplied(collection string, size int) {
	c.snapshotsApplied.WithLabelValues(collection).Inc()
	c.snapshotSize.WithLabelValues(collection).Set(float64(size))
}

// RecordSnapshotDiscarded は古い世代・順序違いによる破棄を記録する。
func (c *Collector) RecordSnapshotDiscarded(collection, reason string) {
	c.snapshotsDiscarded.WithLabelValues(collection, reason).Inc()
}

// SubscriptionOpened は購読の開始を記録する。
func (c *Collector) SubscriptionOpened(collection string) {
	c.activeSubscriptions.WithLabelValues(collection).Inc()
}

// SubscriptionClosed は購読の終了を記録する。
func (c *Collector) SubscriptionClosed(collection string) {
	c.activeSubscriptions.WithLabelValues(collection).Dec()
}

// RecordAuthEvent は認証イベントを記録する。resultはsuccessまたはエラー種別。
func (c *Collector) RecordAuthEvent(event, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時に使う。
type Nop struct{}

func (Nop) RecordGatewayOp(string, string, string, time.Duration) {}
func (Nop) RecordSnapshotApplied(string, int)                     {}
func (Nop) RecordSnapshotDiscarded(string, string)                {}
func (Nop) SubscriptionOpened(string)                             {}
func (Nop) SubscriptionClosed(string)                             {}
func (Nop) RecordAuthEvent(string, string)                        {}

// OrNop はmがnilの場合にNopを返す。
func OrNop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return Nop{}
	}
	return m
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
