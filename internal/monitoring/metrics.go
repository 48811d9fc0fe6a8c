package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tempinbox/backend/internal/session"
)

const namespace = "tempinbox"

// Metrics 监控指标
//
// 同时实现 poller.Metrics、service.Metrics 与 websocket.Metrics。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 会话指标
	SessionsCreated prometheus.Counter
	SessionsRotated prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionsActive  prometheus.Gauge

	// 清理指标
	MessagesExpired prometheus.Counter
	TokensExpired   prometheus.Counter

	// 轮询指标
	PollersActive prometheus.Gauge
	PollDuration  *prometheus.HistogramVec

	// 实时连接
	WebsocketConnections prometheus.Gauge

	// 附件与上游
	AttachmentDownloads *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec

	// 错误与限流
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标，注册到独立的 Registry 上。
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg)
}

// NewMetricsWith 在给定 Registry 上创建监控指标，测试时传入新的 Registry 避免重复注册。
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),

		SessionsRotated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rotated_total",
			Help:      "Total number of address rotations",
		}),

		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed by the sweeper",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held in memory",
		}),

		MessagesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_expired_total",
			Help:      "Total number of cached messages pruned after expiry",
		}),

		TokensExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_tokens_expired_total",
			Help:      "Total number of attachment tokens removed after expiry",
		}),

		PollersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pollers_active",
			Help:      "Number of sessions with a running poll task",
		}),

		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Inbox refresh duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		WebsocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of open websocket connections",
		}),

		AttachmentDownloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachment_downloads_total",
				Help:      "Attachment download attempts by outcome",
			},
			[]string{"outcome"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Mail provider failures by operation",
			},
			[]string{"op"},
		),

		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Total number of recovered panics",
		}),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Total number of requests rejected by rate limiting",
			},
			[]string{"type"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordSessionCreated 记录会话创建
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionRotated 记录地址轮换
func (m *Metrics) RecordSessionRotated() {
	m.SessionsRotated.Inc()
}

// RecordAttachmentDownload 记录附件下载结果
func (m *Metrics) RecordAttachmentDownload(outcome string) {
	m.AttachmentDownloads.WithLabelValues(outcome).Inc()
}

// RecordUpstreamError 记录上游调用失败
func (m *Metrics) RecordUpstreamError(op string) {
	m.UpstreamErrors.WithLabelValues(op).Inc()
}

// SetActivePollers 更新轮询任务数
func (m *Metrics) SetActivePollers(n int) {
	m.PollersActive.Set(float64(n))
}

// ObservePoll 记录一次刷新
func (m *Metrics) ObservePoll(outcome string, d time.Duration) {
	m.PollDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetConnections 更新 WebSocket 连接数
func (m *Metrics) SetConnections(n int) {
	m.WebsocketConnections.Set(float64(n))
}

// RecordSweep 记录一轮过期清理
func (m *Metrics) RecordSweep(r session.SweepResult) {
	m.SessionsExpired.Add(float64(len(r.Sessions)))
	m.MessagesExpired.Add(float64(r.Messages))
	m.TokensExpired.Add(float64(r.Tokens))
}

// UpdateSessionsActive 更新内存中的会话数
func (m *Metrics) UpdateSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
