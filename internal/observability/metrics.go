package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quickrun"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	FanoutPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_pushes_total", Help: "Push deliveries by audience mode and result"},
		[]string{"mode", "result"},
	)
	FanoutBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_batches_total", Help: "Multicast batches issued by audience mode"},
		[]string{"mode"},
	)
	FanoutSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_skipped_total", Help: "Order events that dispatched nothing, by reason"},
		[]string{"mode", "reason"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "webhook_events_total", Help: "Payment webhook outcomes by event"},
		[]string{"event", "outcome"},
	)

	OTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_requests_total", Help: "OTP callable invocations by operation and result"},
		[]string{"op", "result"},
	)

	OrderEventsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "order_events_consumed_total", Help: "Order-created events read from Kafka"})
	OrderEventsInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "order_events_invalid_total", Help: "Order-created events that failed to decode"})

	AlertsFired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "agent_alerts_fired_total", Help: "New-order alerts started by the driver agent"})
	AlertsSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "agent_alerts_debounced_total", Help: "New-order alerts suppressed by the debounce window"})
	WSSessions    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected driver agent WebSocket sessions"})
)
