package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_store_connect_attempts_total",
			Help: "Total number of store connection attempts",
		},
		[]string{"result"},
	)

	// BrokerState reports the broker connection state as a number:
	// 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed.
	BrokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ride_broker_state",
			Help: "Current broker connection state",
		},
	)

	BrokerReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_broker_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts",
		},
		[]string{"result"},
	)

	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_broker_publishes_total",
			Help: "Total number of broker publishes",
		},
		[]string{"subject", "result"},
	)

	BrokerMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_broker_messages_received_total",
			Help: "Total number of broker messages delivered to handlers",
		},
		[]string{"subject"},
	)

	PipelineParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_pipeline_parse_failures_total",
			Help: "Total number of requests rejected by a pipeline stage",
		},
		[]string{"stage"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ride_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
