package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every adapter of one
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionStatus  *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	errors            *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	inflight          *prometheus.GaugeVec
}

// NewMetrics registers the adapter collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "integration_connection_status",
			Help: "Current connection status of the integration (0=disconnected,1=connecting,2=connected,3=reconnecting,4=error)",
		}, []string{"integration", "type"}),
		reconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_reconnect_attempts_total",
			Help: "Reconnection attempts made by the integration",
		}, []string{"integration", "type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_messages_received_total",
			Help: "Inbound packets delivered to subscribers",
		}, []string{"integration", "type"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_messages_sent_total",
			Help: "Outbound packets sent successfully",
		}, []string{"integration", "type"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_errors_total",
			Help: "Errors recorded by the integration, by error type",
		}, []string{"integration", "type", "error_type"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "integration_send_duration_seconds",
			Help:    "Time spent in the protocol send operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"integration", "type"}),
		inflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "integration_http_inflight_requests",
			Help: "Outbound HTTP requests currently holding an admission slot",
		}, []string{"integration"}),
	}
}

func (m *Metrics) setStatus(id, typ string, s ConnectionStatus) {
	if m == nil {
		return
	}
	m.connectionStatus.WithLabelValues(id, typ).Set(float64(s))
}

func (m *Metrics) reconnectAttempt(id, typ string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(id, typ).Inc()
}

func (m *Metrics) received(id, typ string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesReceived.WithLabelValues(id, typ).Add(float64(n))
}

func (m *Metrics) sent(id, typ string, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(id, typ).Inc()
	m.sendDuration.WithLabelValues(id, typ).Observe(d.Seconds())
}

func (m *Metrics) errored(id, typ string, et ErrorType) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(id, typ, string(et)).Inc()
}

// InflightGauge returns the admission gauge for an HTTP integration.
func (m *Metrics) InflightGauge(id string) prometheus.Gauge {
	if m == nil {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "integration_http_inflight_requests_unregistered"})
	}
	return m.inflight.WithLabelValues(id)
}
