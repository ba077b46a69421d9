package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns all troupe metrics. The daemon creates one instance and
// threads it through the components; nil receivers no-op so tests can skip it.
type Registry struct {
	registry *prometheus.Registry

	invocations      *prometheus.CounterVec
	invocationTime   prometheus.Histogram
	delegations      *prometheus.CounterVec
	pendingDelegates prometheus.Gauge
	terminals        *prometheus.CounterVec
	liveTerminals    prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	connections      prometheus.Gauge
}

func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: registry,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "troupe_invocations_total",
			Help: "Worker invocations by bot and outcome.",
		}, []string{"bot", "outcome"}),
		invocationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "troupe_invocation_duration_seconds",
			Help:    "Wall-clock duration of worker invocations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "troupe_delegations_total",
			Help: "Delegation requests by transition.",
		}, []string{"transition"}),
		pendingDelegates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "troupe_delegations_pending",
			Help: "Delegation requests awaiting callback or poll.",
		}),
		terminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "troupe_terminals_total",
			Help: "Terminal lifecycle transitions.",
		}, []string{"transition"}),
		liveTerminals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "troupe_terminals_live",
			Help: "Terminals with a running process.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "troupe_events_published_total",
			Help: "Events published per bus.",
		}, []string{"bus"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "troupe_events_dropped_total",
			Help: "Events dropped by slow subscribers per bus.",
		}, []string{"bus"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "troupe_connections_active",
			Help: "Active realtime connections.",
		}),
	}
	registry.MustRegister(
		r.invocations,
		r.invocationTime,
		r.delegations,
		r.pendingDelegates,
		r.terminals,
		r.liveTerminals,
		r.eventsPublished,
		r.eventsDropped,
		r.connections,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) IncInvocation(bot, outcome string) {
	if r == nil {
		return
	}
	r.invocations.WithLabelValues(bot, outcome).Inc()
}

func (r *Registry) ObserveInvocationSeconds(seconds float64) {
	if r == nil {
		return
	}
	r.invocationTime.Observe(seconds)
}

func (r *Registry) IncDelegation(transition string) {
	if r == nil {
		return
	}
	r.delegations.WithLabelValues(transition).Inc()
}

func (r *Registry) SetPendingDelegations(count int) {
	if r == nil {
		return
	}
	r.pendingDelegates.Set(float64(count))
}

func (r *Registry) IncTerminal(transition string) {
	if r == nil {
		return
	}
	r.terminals.WithLabelValues(transition).Inc()
}

func (r *Registry) SetLiveTerminals(count int) {
	if r == nil {
		return
	}
	r.liveTerminals.Set(float64(count))
}

func (r *Registry) IncEventPublished(bus string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(bus).Inc()
}

func (r *Registry) IncEventDropped(bus string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(bus).Inc()
}

func (r *Registry) SetActiveConnections(count int) {
	if r == nil {
		return
	}
	r.connections.Set(float64(count))
}
