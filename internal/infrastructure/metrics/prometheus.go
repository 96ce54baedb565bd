// Package metrics exports rollout outcomes to Prometheus.
package metrics

import (
	"net/http"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

type Prometheus struct {
	registry   *prometheus.Registry
	nodes      *prometheus.CounterVec
	procedures *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

var _ ports.Metrics = (*Prometheus)(nil)

// New builds the collectors on a private registry, so tests and several servers in one process
// never collide.
func New() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_results_total",
			Help:      "Per-node remote actions by procedure, phase and outcome.",
		}, []string{"procedure", "phase", "outcome"}),
		procedures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedures_total",
			Help:      "Executed procedures by outcome.",
		}, []string{"procedure", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "procedure_duration_seconds",
			Help:      "Wall time of procedure execution.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"procedure"}),
	}
	p.registry.MustRegister(
		p.nodes,
		p.procedures,
		p.durations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (p *Prometheus) ObserveNode(procedure, phase string, err error) {
	p.nodes.WithLabelValues(procedure, phase, outcome(err)).Inc()
}

func (p *Prometheus) ObserveProcedure(procedure string, seconds float64, err error) {
	p.procedures.WithLabelValues(procedure, outcome(err)).Inc()
	p.durations.WithLabelValues(procedure).Observe(seconds)
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
