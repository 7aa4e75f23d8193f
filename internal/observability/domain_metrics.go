package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiwi_queries_total",
			Help: "Total number of federated query requests by terminal state.",
		},
		[]string{"state"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiwi_query_duration_seconds",
			Help:    "Federated query execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	attachFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiwi_attach_failures_total",
			Help: "Total number of data source attach failures by source type.",
		},
		[]string{"source_type"},
	)
	attachDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiwi_attach_duration_seconds",
			Help:    "Time spent attaching sources and creating views for a new engine instance.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	maskedTablesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiwi_masked_tables_total",
			Help: "Total number of table references rewritten with column masking.",
		},
	)
	engineInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiwi_engine_instances",
			Help: "Current count of live per-session engine instances.",
		},
	)
	translateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiwi_translate_requests_total",
			Help: "Total number of natural-language translation requests by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationSeconds,
		attachFailuresTotal,
		attachDurationSeconds,
		maskedTablesTotal,
		engineInstances,
		translateRequestsTotal,
	)
}

func ObserveQuery(state string, elapsed time.Duration) {
	queriesTotal.WithLabelValues(state).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveAttach(elapsed time.Duration) {
	attachDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementAttachFailure(sourceType string) {
	attachFailuresTotal.WithLabelValues(sourceType).Inc()
}

func AddMaskedTables(count int) {
	if count > 0 {
		maskedTablesTotal.Add(float64(count))
	}
}

func SetEngineInstances(count int) {
	if count < 0 {
		count = 0
	}
	engineInstances.Set(float64(count))
}

func IncrementTranslate(outcome string) {
	translateRequestsTotal.WithLabelValues(outcome).Inc()
}
