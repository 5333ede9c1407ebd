package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。
//
// 所有 Record/Update 方法都允许在 nil 接收者上调用，未启用监控的组件无需判空。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesCreated   prometheus.Counter
	MailboxesDestroyed *prometheus.CounterVec
	MailboxesActive    prometheus.Gauge
	AddressesCooling   prometheus.Gauge
	AllocationFailures prometheus.Counter

	// 邮件指标
	MessagesReceived prometheus.Counter
	MessagesRejected *prometheus.CounterVec
	MessagesRead     prometheus.Counter
	MessageSize      prometheus.Histogram

	// 清理任务指标
	SweepDuration prometheus.Histogram
	SweepFailures prometheus.Counter

	// 连接指标
	SMTPConnections  prometheus.Gauge
	WebSocketClients prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith 在指定注册表上创建监控指标，测试中传入独立的 prometheus.NewRegistry()
func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MailboxesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_mailboxes_created_total",
				Help: "Total number of mailboxes created",
			},
		),

		MailboxesDestroyed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_mailboxes_destroyed_total",
				Help: "Total number of mailboxes destroyed, by reason",
			},
			[]string{"reason"},
		),

		MailboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_mailboxes_active",
				Help: "Number of active mailboxes",
			},
		),

		AddressesCooling: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_addresses_cooling",
				Help: "Number of released addresses still in their reuse cooldown",
			},
		),

		AllocationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_allocation_failures_total",
				Help: "Total number of address allocations rejected because the namespace was exhausted",
			},
		),

		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_messages_received_total",
				Help: "Total number of messages delivered to mailboxes",
			},
		),

		MessagesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_rejected_total",
				Help: "Total number of inbound messages rejected, by reason",
			},
			[]string{"reason"},
		),

		MessagesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_messages_read_total",
				Help: "Total number of messages marked as read",
			},
		),

		MessageSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempmail_message_size_bytes",
				Help:    "Size of delivered messages in bytes",
				Buckets: prometheus.ExponentialBuckets(512, 4, 8),
			},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempmail_sweep_duration_seconds",
				Help:    "Duration of expiry sweep passes",
				Buckets: prometheus.DefBuckets,
			},
		),

		SweepFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_sweep_failures_total",
				Help: "Total number of mailboxes the sweeper failed to reclaim",
			},
		),

		SMTPConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_smtp_connections",
				Help: "Number of open SMTP connections",
			},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_rate_limit_blocks_total",
				Help: "Total number of requests blocked by rate limits",
			},
			[]string{"limit_type"},
		),

		gatherer: gatherer,
	}
}

// RegisterRuntimeCollectors 注册 Go 运行时与进程指标
func RegisterRuntimeCollectors(reg prometheus.Registerer) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMailboxCreated 记录邮箱创建
func (m *Metrics) RecordMailboxCreated() {
	if m == nil {
		return
	}
	m.MailboxesCreated.Inc()
}

// RecordMailboxDestroyed 记录邮箱销毁，reason 为 expired 或 deleted
func (m *Metrics) RecordMailboxDestroyed(reason string) {
	if m == nil {
		return
	}
	m.MailboxesDestroyed.WithLabelValues(reason).Inc()
}

// RecordAllocationFailure 记录地址分配失败
func (m *Metrics) RecordAllocationFailure() {
	if m == nil {
		return
	}
	m.AllocationFailures.Inc()
}

// RecordMessageReceived 记录邮件投递
func (m *Metrics) RecordMessageReceived(size int64) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.MessageSize.Observe(float64(size))
}

// RecordMessageRejected 记录邮件拒收
func (m *Metrics) RecordMessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordMessageRead 记录邮件已读
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordSweep 记录一轮过期清理
func (m *Metrics) RecordSweep(duration time.Duration, failures int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.SweepFailures.Add(float64(failures))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateMailboxesActive 更新活跃邮箱数
func (m *Metrics) UpdateMailboxesActive(count int) {
	if m == nil {
		return
	}
	m.MailboxesActive.Set(float64(count))
}

// UpdateAddressesCooling 更新冷却中的地址数
func (m *Metrics) UpdateAddressesCooling(count int) {
	if m == nil {
		return
	}
	m.AddressesCooling.Set(float64(count))
}

// AddSMTPConnections 调整 SMTP 连接数
func (m *Metrics) AddSMTPConnections(delta int) {
	if m == nil {
		return
	}
	m.SMTPConnections.Add(float64(delta))
}

// UpdateWebSocketClients 更新 WebSocket 客户端数
func (m *Metrics) UpdateWebSocketClients(count int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(count))
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
