package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_inbound_messages_total", Help: "Inbound transport messages"},
		[]string{"source", "result"},
	)
	InboxBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "duster_inbox_backpressure_total", Help: "Inbound messages that waited for a full inbox lane"},
	)
	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_publish_total", Help: "Outbound publish outcomes"},
		[]string{"result"},
	)
	PublishLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "duster_publish_latency_seconds", Help: "Outbound publish latency"},
	)
	ImmediateSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_immediate_send_total", Help: "Immediate send decisions for producer commands"},
		[]string{"result"},
	)
	RetryCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_retry_cycles_total", Help: "Retry cycles"},
		[]string{"result"},
	)
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_retry_attempts_total", Help: "Retry attempt outcomes"},
		[]string{"result"},
	)
	RetryCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duster_retry_cycle_duration_seconds",
			Help:    "Retry cycle duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "duster_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	RateLimitEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "duster_ratelimit_entries", Help: "Devices tracked by the in-memory rate limiter"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		InboundMessages, InboxBackpressure, Publishes, PublishLatency, ImmediateSends,
		RetryCycles, RetryAttempts, RetryCycleDuration, RateLimitEntries, HTTPRequests,
	)
}
