// Package metrics exposes command and unit-state metrics in Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psu-control/psuctl/internal/psu"
)

// Metrics holds the psuctl collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	unitPowered      prometheus.Gauge
	connected        prometheus.Gauge
	channelEnabled   *prometheus.GaugeVec
	channelInjecting *prometheus.GaugeVec
	channelAmplitude *prometheus.GaugeVec
	queueDepth       prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psu_commands_total",
			Help: "Commands executed against the unit, by action and outcome.",
		}, []string{"action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "psu_command_latency_seconds",
			Help:    "Time from dequeue to device acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"action"}),
		unitPowered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_unit_powered",
			Help: "1 when the unit is ON.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_connected",
			Help: "1 when a command channel is open.",
		}),
		channelEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "psu_channel_enabled",
			Help: "1 when the channel output is enabled.",
		}, []string{"channel"}),
		channelInjecting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "psu_channel_injecting",
			Help: "1 when the channel is injecting.",
		}, []string{"channel"}),
		channelAmplitude: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "psu_channel_amplitude",
			Help: "Last confirmed channel amplitude.",
		}, []string{"channel"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_command_queue_depth",
			Help: "Requests waiting for the command executor.",
		}),
	}

	m.registry.MustRegister(
		m.commands,
		m.latency,
		m.unitPowered,
		m.connected,
		m.channelEnabled,
		m.channelInjecting,
		m.channelAmplitude,
		m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCommand records one executed action.
func (m *Metrics) ObserveCommand(action, outcome string, latency time.Duration) {
	m.commands.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(latency.Seconds())
}

// SetState mirrors a unit snapshot into the gauges.
func (m *Metrics) SetState(s psu.Snapshot) {
	m.unitPowered.Set(boolGauge(s.Status == psu.PowerOn))
	m.connected.Set(boolGauge(s.Connected))
	for _, ch := range s.Channels {
		label := strconv.Itoa(ch.Index)
		m.channelEnabled.WithLabelValues(label).Set(boolGauge(ch.Enabled))
		m.channelInjecting.WithLabelValues(label).Set(boolGauge(ch.Injecting))
		m.channelAmplitude.WithLabelValues(label).Set(ch.Amplitude)
	}
}

// SetQueueDepth records the executor backlog.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
