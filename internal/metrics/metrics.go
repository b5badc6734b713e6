// Package metrics provides Prometheus metrics for the broadcast gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "bcastgw"
)

// Drop reasons used with DatagramsDropped.
const (
	DropDisconnected = "disconnected"
	DropQueueFull    = "queue_full"
	DropNoClients    = "no_clients"
	DropClientBusy   = "client_busy"
)

// Disconnect reasons used with ClientDisconnects.
const (
	DisconnectRead     = "read_error"
	DisconnectWrite    = "write_error"
	DisconnectClosed   = "peer_closed"
	DisconnectShutdown = "shutdown"
)

// Metrics contains all Prometheus metrics for the gateway.
type Metrics struct {
	// Ingress metrics
	DatagramsReceived *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	ReceiveErrors     prometheus.Counter

	// Relay metrics
	DatagramsForwarded prometheus.Counter
	BytesForwarded     prometheus.Counter
	DatagramsDropped   *prometheus.CounterVec
	WriteErrors        prometheus.Counter

	// Outbound connection metrics
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	ConnectionState prometheus.Gauge

	// Fan-out client metrics
	ClientsConnected  prometheus.Gauge
	ClientsTotal      prometheus.Counter
	ClientDisconnects *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total UDP datagrams received by destination kind",
		}, []string{"kind"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total UDP payload bytes received",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total non-fatal UDP receive errors",
		}),

		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams handed to the TCP egress",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes handed to the TCP egress",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Total TCP write errors",
		}),

		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total outbound TCP connection attempts",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total failed outbound TCP connection attempts",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Outbound connection state (1 = connected, 0 = not connected)",
		}),

		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of currently connected fan-out clients",
		}),
		ClientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_total",
			Help:      "Total fan-out client connections accepted",
		}),
		ClientDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Total fan-out client disconnections by reason",
		}, []string{"reason"}),
	}
}
