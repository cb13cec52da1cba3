// Package metrics records session, run and token events as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

const namespace = "saslink"

// Observer implements core.Observer and the token manager observer.
type Observer struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	executing   *prometheus.GaugeVec
	setups      *prometheus.HistogramVec
	runs        *prometheus.HistogramVec
	lines       *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

// New registers the saslink collectors on a fresh registry. Go runtime and
// process collectors are included when withRuntime is set.
func New(withRuntime bool) *Observer {
	reg := prometheus.NewRegistry()
	o := &Observer{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		}, []string{"transport", "from", "to"}),
		executing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "executing",
			Help:      "Sessions currently executing code.",
		}, []string{"transport"}),
		setups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "setup_duration_seconds",
			Help:      "Duration of session setup.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"transport", "result"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of code submissions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"transport", "result"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "log_lines_total",
			Help:      "Log lines forwarded to callers.",
		}, []string{"transport"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "token_events_total",
			Help:      "Token authorize, refresh and validate outcomes.",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(o.transitions, o.executing, o.setups, o.runs, o.lines, o.tokens)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return o
}

// Registry returns the registry the collectors are registered on.
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// StateChanged implements core.Observer.
func (o *Observer) StateChanged(kind schema.TransportKind, from, to schema.SessionState) {
	o.transitions.WithLabelValues(string(kind), string(from), string(to)).Inc()
	if to == schema.SessionExecuting {
		o.executing.WithLabelValues(string(kind)).Inc()
	}
	if from == schema.SessionExecuting {
		o.executing.WithLabelValues(string(kind)).Dec()
	}
}

// SetupFinished implements core.Observer.
func (o *Observer) SetupFinished(kind schema.TransportKind, seconds float64, err error) {
	o.setups.WithLabelValues(string(kind), result(err)).Observe(seconds)
}

// RunFinished implements core.Observer.
func (o *Observer) RunFinished(kind schema.TransportKind, seconds float64, lines int, err error) {
	o.runs.WithLabelValues(string(kind), result(err)).Observe(seconds)
	if lines > 0 {
		o.lines.WithLabelValues(string(kind)).Add(float64(lines))
	}
}

// TokenEvent implements oauth.Observer.
func (o *Observer) TokenEvent(event string, err error) {
	o.tokens.WithLabelValues(event, result(err)).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(core.KindOf(err))
}
