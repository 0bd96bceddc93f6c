// Package metrics holds the Prometheus collectors for one relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

const namespace = "mailbox"

// Error kinds recorded by RequestError
const (
	ErrorKindMalformed    = "malformed"
	ErrorKindUnknownPeer  = "unknown_client"
	ErrorKindUnknownCode  = "unknown_code"
	ErrorKindTransport    = "transport"
	ErrorKindStore        = "store"
	ErrorKindPanic        = "panic"
	ErrorKindOversize     = "oversize"
	ErrorKindSessionLimit = "session_limit"
)

// Metrics is a set of collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	requests         *prometheus.CounterVec
	requestErrors    *prometheus.CounterVec
	messagesQueued   prometheus.Counter
	messagesDrained  prometheus.Counter
	clientsRegistered prometheus.Gauge
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests received by opcode.",
		}, []string{"code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Failed requests and session faults by kind.",
		}, []string{"kind"}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Messages appended to the store.",
		}),
		messagesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_drained_total",
			Help:      "Messages removed from the store by their recipient.",
		}),
		clientsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_registered",
			Help:      "Clients in the registry.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.requests,
		m.requestErrors,
		m.messagesQueued,
		m.messagesDrained,
		m.clientsRegistered,
	)

	return m
}

// Registry exposes the private registry for gathering
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recorders below accept a nil receiver so callers may run without metrics.

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) Request(code uint16) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(protocol.CodeName(code)).Inc()
}

func (m *Metrics) RequestError(kind string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.messagesQueued.Inc()
}

func (m *Metrics) MessagesDrained(n int) {
	if m == nil {
		return
	}
	m.messagesDrained.Add(float64(n))
}

func (m *Metrics) ClientsRegistered(n int) {
	if m == nil {
		return
	}
	m.clientsRegistered.Set(float64(n))
}
