package mint

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	issued         prometheus.Counter
	redeemed       prometheus.Counter
	swaps          prometheus.Counter
	meltOutcomes   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmint",
			Name:      "issued_sats_total",
			Help:      "Amount of ecash signed by the mint.",
		}),
		redeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmint",
			Name:      "redeemed_sats_total",
			Help:      "Amount of ecash marked as spent.",
		}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmint",
			Name:      "swaps_total",
			Help:      "Number of successful swaps.",
		}),
		meltOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lnmint",
			Name:      "melt_outcomes_total",
			Help:      "Melt attempts by resulting quote state.",
		}, []string{"state"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lnmint",
			Name:      "lightning_call_duration_seconds",
			Help:      "Latency of calls to the lightning backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),
	}
	registry.MustRegister(m.issued, m.redeemed, m.swaps, m.meltOutcomes, m.backendLatency)

	return m
}

func (m *metrics) observeBackendCall(call string, start time.Time) {
	m.backendLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
