package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Метрики клиента биржи ============

var requestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pumptrader",
		Subsystem: "exchange",
		Name:      "request_latency_seconds",
		Help:      "REST request latency by endpoint",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"endpoint"},
)

var requestErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "exchange",
		Name:      "request_errors_total",
		Help:      "Responses with non-zero retCode",
	},
	[]string{"endpoint", "code"},
)

var streamReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "exchange",
		Name:      "stream_reconnects_total",
		Help:      "Market stream reconnect attempts",
	},
)

var streamSubscriptions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "exchange",
		Name:      "stream_subscriptions",
		Help:      "Currently subscribed kline topics",
	},
)
