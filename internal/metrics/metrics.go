// Package metrics exposes Prometheus collectors for the session, the
// real-time transport and the command path. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snoo"

// Message results.
const (
	MessageDecoded  = "decoded"
	MessageInvalid  = "invalid"
	MessageIgnored  = "ignored"
	MessageStale    = "stale"
	ResultOK        = "ok"
	ResultError     = "error"
	ResultThrottled = "throttled"
)

// Metrics groups every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	commands       *prometheus.CounterVec
	status         *prometheus.CounterVec
	reauthorize    *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	sessionExpires prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound activity messages by device and decode result.",
		}, []string{"serial", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Published control commands by command and result.",
		}, []string{"command", "result"}),
		status: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_status_total",
			Help:      "Real-time transport lifecycle notifications by kind.",
		}, []string{"kind"}),
		reauthorize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization handshakes by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live device subscriptions.",
		}),
		sessionExpires: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_renew_timestamp_seconds",
			Help:      "Unix time of the next scheduled reauthorization.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.commands,
		m.status,
		m.reauthorize,
		m.subscriptions,
		m.sessionExpires,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(serial, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(serial, result).Inc()
}

func (m *Metrics) CommandPublished(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) TransportStatus(kind string) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(kind).Inc()
}

func (m *Metrics) Authorization(result string) {
	if m == nil {
		return
	}
	m.reauthorize.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// SetRenewAt records when the next reauthorization is due; unix 0 clears it.
func (m *Metrics) SetRenewAt(unix int64) {
	if m == nil {
		return
	}
	m.sessionExpires.Set(float64(unix))
}
