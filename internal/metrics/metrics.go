// ABOUTME: Prometheus collectors for connector traffic and session health
// ABOUTME: All recording methods are safe on a nil *Metrics so components can run without metrics

package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/switchboard/internal/session"
)

const namespace = "switchboard"

// StateSource reports the live session states of one connector family.
// session.Registry satisfies it.
type StateSource interface {
	Name() string
	ListStates() map[string]session.State
}

// Metrics owns a private registry with the hub's collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	fetchFailures prometheus.Counter
	droppedEvents prometheus.Counter
	unrouted      prometheus.Counter
}

// New creates the collectors and registers them together with Go runtime
// collectors and a session-state gauge over the given sources.
func New(sources ...StateSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages persisted, by platform and direction.",
		}, []string{"platform", "direction"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Swallowed long-polling errors, by platform.",
		}, []string{"platform"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Conversations skipped during bulk fetches.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_events_total",
			Help:      "Live events dropped for slow subscribers.",
		}),
		unrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_unrouted_updates_total",
			Help:      "Shared bot updates from conversations with no owning tenant.",
		}),
	}

	m.registry.MustRegister(
		m.messages,
		m.pollErrors,
		m.fetchFailures,
		m.droppedEvents,
		m.unrouted,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		&stateCollector{sources: sources},
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MessagePersisted counts a stored inbound or outbound message.
func (m *Metrics) MessagePersisted(platform, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(platform, direction).Inc()
}

// PollError counts a swallowed polling error.
func (m *Metrics) PollError(platform string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(platform).Inc()
}

// FetchFailure counts a conversation skipped during a bulk fetch.
func (m *Metrics) FetchFailure() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

// EventDropped counts a live event dropped for a slow subscriber.
func (m *Metrics) EventDropped(string, string) {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// Unrouted counts a shared bot update with no owner.
func (m *Metrics) Unrouted() {
	if m == nil {
		return
	}
	m.unrouted.Inc()
}

var sessionsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "sessions"),
	"Live connector sessions, by family and state.",
	[]string{"family", "state"}, nil,
)

// stateCollector snapshots registry states at scrape time.
type stateCollector struct {
	sources []StateSource
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		counts := make(map[session.State]int)
		for _, st := range src.ListStates() {
			counts[st]++
		}
		for st, n := range counts {
			ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(n), src.Name(), string(st))
		}
	}
}
