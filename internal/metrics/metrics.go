// Package metrics provides Prometheus metrics for the connection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace for all campuslink metrics
	namespace = "campuslink"
)

var (
	// LoginTotal tracks handshake attempts by stage (vpn, sso) and result
	LoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_total",
			Help:      "Total number of login handshakes",
		},
		[]string{"stage", "result"},
	)

	// RequestTotal tracks typed requests by result (ok, cache_hit, error kind)
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_total",
			Help:      "Total number of typed requests",
		},
		[]string{"result"},
	)

	// RequestDuration tracks typed request latency including retries
	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of typed requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// RetryTotal tracks retries by failure kind
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_total",
			Help:      "Total number of retried attempts",
		},
		[]string{"kind"},
	)

	// ReconnectTotal tracks reconnects by trigger (forced, health, exhausted)
	ReconnectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_total",
			Help:      "Total number of transport reconnects",
		},
		[]string{"trigger"},
	)

	// ProbeTotal tracks monitor liveness probes by result
	ProbeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_total",
			Help:      "Total number of liveness probes",
		},
		[]string{"result"},
	)

	// ConnectionsClosed tracks closed connections by reason
	ConnectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections",
		},
		[]string{"reason"},
	)

	// Connections tracks registry entries by state (active, inactive, healthy, unhealthy)
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of registered connections",
		},
		[]string{"state"},
	)

	// CacheLookups tracks response cache lookups by result (hit, miss)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of response cache lookups",
		},
		[]string{"result"},
	)
)

// Collectors returns every campuslink collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		LoginTotal,
		RequestTotal,
		RequestDuration,
		RetryTotal,
		ReconnectTotal,
		ProbeTotal,
		ConnectionsClosed,
		Connections,
		CacheLookups,
	}
}

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Result maps an error to a low-cardinality label value.
func Result(err error, kind string) string {
	if err == nil {
		return "ok"
	}
	if kind == "" {
		return "error"
	}
	return kind
}
