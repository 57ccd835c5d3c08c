// Package metrics exposes prometheus instrumentation for the plugin
// lifecycle: starts, exits, sync outcomes and durations.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// Metrics holds the collector set. All series derive from bus events, so
// the instrumented packages never import prometheus directly.
type Metrics struct {
	registry *prometheus.Registry

	pluginTransitions *prometheus.CounterVec
	pluginErrors      prometheus.Counter
	runningPlugins    prometheus.Gauge
	syncTotal         *prometheus.CounterVec
	syncDuration      prometheus.Histogram

	status    map[string]types.Status
	syncStart map[string]time.Time
}

// New creates and registers the collector set on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pluginTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_plugin_transitions_total",
			Help: "Plugin status transitions by resulting status.",
		}, []string{"status"}),
		pluginErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_plugin_errors_total",
			Help: "Plugin failures surfaced to the user.",
		}),
		runningPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_plugins_running",
			Help: "Plugins currently in the running state.",
		}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_sync_total",
			Help: "Dependency syncs by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregator_sync_duration_seconds",
			Help:    "Wall time of dependency syncs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		status:    make(map[string]types.Status),
		syncStart: make(map[string]time.Time),
	}

	reg.MustRegister(
		m.pluginTransitions,
		m.pluginErrors,
		m.runningPlugins,
		m.syncTotal,
		m.syncDuration,
	)
	return m
}

// Handler serves the scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run consumes bus events and updates the series until ctx is done.
// Single consumer goroutine, so the state maps need no lock.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev types.Event) {
	switch ev.Type {
	case types.EventPluginStatus:
		m.pluginTransitions.WithLabelValues(string(ev.Status)).Inc()
		was := m.status[ev.Plugin]
		if was != types.StatusRunning && ev.Status == types.StatusRunning {
			m.runningPlugins.Inc()
		}
		if was == types.StatusRunning && ev.Status != types.StatusRunning {
			m.runningPlugins.Dec()
		}
		m.status[ev.Plugin] = ev.Status
	case types.EventPluginError:
		m.pluginErrors.Inc()
	case types.EventSyncStarted:
		m.syncStart[ev.Environment] = ev.Timestamp
	case types.EventSyncCompleted:
		result := "failure"
		if ev.Success != nil && *ev.Success {
			result = "success"
		}
		m.syncTotal.WithLabelValues(result).Inc()
		if start, ok := m.syncStart[ev.Environment]; ok {
			m.syncDuration.Observe(ev.Timestamp.Sub(start).Seconds())
			delete(m.syncStart, ev.Environment)
		}
	}
}
