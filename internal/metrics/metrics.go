package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the counters shared by the API and the worker. Each
// process registers its own instance.
type Metrics struct {
	registry *prometheus.Registry

	Submissions *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Deliveries  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "image_tasks",
			Name:      "submissions_total",
			Help:      "Task submissions by result (accepted, blob_store_failure, publish_failure, error).",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "image_tasks",
			Name:      "status_transitions_total",
			Help:      "Task status transitions applied to the store.",
		}, []string{"status"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "image_tasks",
			Name:      "deliveries_total",
			Help:      "Queue deliveries handled by workers, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(m.Submissions, m.Transitions, m.Deliveries)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
