/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package metrics provides Prometheus instrumentation for the relay and the
// connection hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every metric and the registry they live on.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
	runtime   bool

	inbound         *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	ledgerAppends   *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	fanOutDuration  prometheus.Histogram
	liveConnections prometheus.Gauge
	connectionsOpen prometheus.Counter
}

type Option func(*Manager)

func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets the fan-out duration buckets, in seconds.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(m *Manager) {
		m.runtime = true
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		namespace: "umigame",
		buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		registry:  prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	auto := promauto.With(m.registry)

	m.inbound = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "relay",
		Name:      "inbound_total",
		Help:      "Inbound frames accepted, by action",
	}, []string{"action"})

	m.rejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "relay",
		Name:      "rejected_total",
		Help:      "Inbound frames that failed, by error kind",
	}, []string{"kind"})

	m.ledgerAppends = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Judgment ledger appends, by outcome",
	}, []string{"ok"})

	m.deliveries = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "relay",
		Name:      "deliveries_total",
		Help:      "Per-destination delivery attempts, by outcome",
	}, []string{"ok"})

	m.fanOutDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "relay",
		Name:      "fanout_duration_seconds",
		Help:      "Time taken to deliver one event to every destination",
		Buckets:   m.buckets,
	})

	m.liveConnections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "hub",
		Name:      "live_connections",
		Help:      "Currently open participant connections",
	})

	m.connectionsOpen = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "hub",
		Name:      "connections_opened_total",
		Help:      "Participant connections accepted since start",
	})

	return m
}

func (m *Manager) Inbound(action string) { m.inbound.WithLabelValues(action).Inc() }

func (m *Manager) Rejected(kind string) { m.rejected.WithLabelValues(kind).Inc() }

func (m *Manager) LedgerAppend(ok bool) {
	m.ledgerAppends.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (m *Manager) Delivery(ok bool) {
	m.deliveries.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (m *Manager) FanOut(d time.Duration) { m.fanOutDuration.Observe(d.Seconds()) }

func (m *Manager) ConnectionOpened() {
	m.connectionsOpen.Inc()
	m.liveConnections.Inc()
}

func (m *Manager) ConnectionClosed() { m.liveConnections.Dec() }

func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
