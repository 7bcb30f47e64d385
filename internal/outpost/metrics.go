package outpost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	intercepts  *prometheus.CounterVec
	queued      prometheus.Counter
	cacheErrors *prometheus.CounterVec
	syncPasses  prometheus.Counter
	syncResults *prometheus.CounterVec
	installs    *prometheus.CounterVec
	activations prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them on reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercepted_requests_total",
			Help: "Intercepted requests by class and response source.",
		}, []string{"class", "source"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mutations_queued_total",
			Help: "Mutations written to the durable queue.",
		}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Cache store failures that degraded a request to network only.",
		}, []string{"op"}),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_passes_total",
			Help: "Sync passes that found queued mutations.",
		}),
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_results_total",
			Help: "Replayed mutations by result.",
		}, []string{"result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installs_total",
			Help: "Generation installs by result.",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activations_total",
			Help: "Generations promoted to current.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.intercepts, m.queued, m.cacheErrors, m.syncPasses, m.syncResults, m.installs, m.activations)
	}
	return m
}

// NewRegistry returns a registry with the process and Go collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Registerer prefixes every engine metric with outpost_.
func Registerer(reg *prometheus.Registry) prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("outpost_", reg)
}
