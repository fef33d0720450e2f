package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	activeCaptures  prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeflow_worker_attempts_total",
			Help: "Capture task attempts by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swipeflow_worker_attempt_duration_seconds",
			Help:    "Wall time of each capture attempt.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		activeCaptures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swipeflow_worker_active_captures",
			Help: "Browser sessions currently running.",
		}),
	}

	registry.MustRegister(
		m.attemptsTotal,
		m.attemptDuration,
		m.activeCaptures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
