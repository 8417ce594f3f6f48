package metrics

import (
	"net/http"
	"time"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はサービスが公開する Prometheus メトリクスをまとめたものです。
type Metrics struct {
	registry *prometheus.Registry

	provisioningOutcomes *prometheus.CounterVec
	idpRequestDuration   *prometheus.HistogramVec
	rpcRequestsTotal     *prometheus.CounterVec
	rpcRequestDuration   *prometheus.HistogramVec
}

var _ user.OutcomeRecorder = (*Metrics)(nil)

// New は専用レジストリにメトリクスを登録して返します。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisioningOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioning_outcomes_total",
				Help: "Terminal outcomes of the user creation flow.",
			},
			[]string{"stage"},
		),
		idpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_provider_request_duration_seconds",
				Help:    "Identity provider admin API latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "outcome"},
		),
		rpcRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpc_server_requests_total",
				Help: "Total number of handled gRPC requests.",
			},
			[]string{"method", "code"},
		),
		rpcRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grpc_server_request_duration_seconds",
				Help:    "gRPC request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.provisioningOutcomes,
		m.idpRequestDuration,
		m.rpcRequestsTotal,
		m.rpcRequestDuration,
	)

	return m
}

// RecordProvisioning は作成フローの終端状態を 1 件記録します。
func (m *Metrics) RecordProvisioning(stage user.Stage) {
	m.provisioningOutcomes.WithLabelValues(string(stage)).Inc()
}

// ObserveIdentityProvider は IdP 呼び出し 1 回分の所要時間を記録します。
func (m *Metrics) ObserveIdentityProvider(op, outcome string, elapsed time.Duration) {
	m.idpRequestDuration.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

// ObserveRPC は gRPC リクエスト 1 件分の結果と所要時間を記録します。
func (m *Metrics) ObserveRPC(method, code string, elapsed time.Duration) {
	m.rpcRequestsTotal.WithLabelValues(method, code).Inc()
	m.rpcRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Registry はテストや追加のコレクタ登録用にレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は Prometheus のスクレイプ用ハンドラです。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
