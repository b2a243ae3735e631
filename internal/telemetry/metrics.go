package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "classquiz"

type Metrics struct {
	Registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	Latency       *prometheus.HistogramVec
	Clients       prometheus.Gauge
	Polls         *prometheus.CounterVec
	StoreFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry along with the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time spent serving HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		Clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clients_current",
				Help:      "Current number of registered clients",
			},
		),

		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "roster_polls_total",
				Help:      "Total number of periodic roster refreshes",
			},
			[]string{"result"}, // ok, error
		),

		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_failures_total",
				Help:      "Background writes and notifications that did not go through",
			},
			[]string{"op"},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.Latency,
		m.Clients,
		m.Polls,
		m.StoreFailures,
	)

	return m
}

// ObservePoll records the outcome of one periodic refresh.
func (m *Metrics) ObservePoll(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Polls.WithLabelValues(result).Inc()
}
