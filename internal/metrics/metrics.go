// Package metrics exposes the assistant's counters and gauges on a
// dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zigbee2mqtt-assistant/internal/state"
)

const namespace = "z2m_assistant"

// Sources supplies the values sampled at scrape time.
type Sources struct {
	Store           *state.Store
	PendingCommands func() int
}

// Metrics implements bridge.Observer and poller.Observer.
type Metrics struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	commands    *prometheus.CounterVec
	pollFired   *prometheus.CounterVec
	pollSkipped *prometheus.CounterVec
}

// New creates and registers all collectors.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound MQTT messages by classified kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded, by reason.",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Correlated bridge commands by kind and outcome.",
		}, []string{"kind", "outcome"}),
		pollFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "requests_total",
			Help:      "Refresh requests published by loop.",
		}, []string{"loop"}),
		pollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "skipped_total",
			Help:      "Refresh firings skipped because a request was outstanding.",
		}, []string{"loop"}),
	}

	m.registry.MustRegister(m.messages, m.dropped, m.commands, m.pollFired, m.pollSkipped)

	if src.PendingCommands != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_pending",
			Help:      "Commands waiting for a bridge confirmation.",
		}, func() float64 { return float64(src.PendingCommands()) }))
	}
	if st := src.Store; st != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Devices in the current snapshot.",
			}, func() float64 { return float64(st.Read().DeviceCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridge_online",
				Help:      "1 when the bridge reports online.",
			}, func() float64 {
				if st.Read().Online {
					return 1
				}
				return 0
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "updates_total",
				Help:      "Snapshot replacements committed.",
			}, func() float64 {
				u, _ := st.Stats()
				return float64(u)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "conflicts_total",
				Help:      "Compare-and-swap retries caused by concurrent updates.",
			}, func() float64 {
				_, c := st.Stats()
				return float64(c)
			}),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) MessageClassified(kind string) { m.messages.WithLabelValues(kind).Inc() }
func (m *Metrics) MessageDropped(reason string)  { m.dropped.WithLabelValues(reason).Inc() }

func (m *Metrics) CommandCompleted(kind, outcome string) {
	m.commands.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) PollFired(loop string)   { m.pollFired.WithLabelValues(loop).Inc() }
func (m *Metrics) PollSkipped(loop string) { m.pollSkipped.WithLabelValues(loop).Inc() }
