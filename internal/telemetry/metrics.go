package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the recall service.
type Metrics struct {
	storeOps          *prometheus.CounterVec
	searches          prometheus.Counter
	searchDuration    prometheus.Histogram
	embedDuration     prometheus.Histogram
	indexDocuments    prometheus.Gauge
	processorFailures *prometheus.CounterVec
	retrievals        *prometheus.CounterVec
}

// NewMetrics creates a metrics collector registered against reg.
// Passing prometheus.DefaultRegisterer wires the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		storeOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_store_operations_total",
			Help: "Conversation store operations by operation and status.",
		}, []string{"op", "status"}),

		searches: factory.NewCounter(prometheus.CounterOpts{
			Name: "recall_index_searches_total",
			Help: "Vector index searches.",
		}),

		searchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_index_search_duration_seconds",
			Help:    "Vector index search latency.",
			Buckets: prometheus.DefBuckets,
		}),

		embedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_embed_duration_seconds",
			Help:    "Embedding provider latency.",
			Buckets: prometheus.DefBuckets,
		}),

		indexDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recall_index_documents",
			Help: "Number of items held by the in-memory vector index.",
		}),

		processorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_processor_failures_total",
			Help: "Memory processor callbacks that returned an error.",
		}, []string{"processor"}),

		retrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_retrievals_total",
			Help: "Context retrievals by domain and outcome.",
		}, []string{"domain", "outcome"}),
	}
}

// RecordStoreOp records one store operation outcome.
func (m *Metrics) RecordStoreOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeOps.WithLabelValues(op, status).Inc()
}

// RecordSearch records a vector search and its duration.
func (m *Metrics) RecordSearch(d time.Duration) {
	m.searches.Inc()
	m.searchDuration.Observe(d.Seconds())
}

// RecordEmbed records an embedding call duration.
func (m *Metrics) RecordEmbed(d time.Duration) {
	m.embedDuration.Observe(d.Seconds())
}

// SetIndexSize updates the index size gauge.
func (m *Metrics) SetIndexSize(n int) {
	m.indexDocuments.Set(float64(n))
}

// RecordProcessorFailure counts a swallowed processor error.
func (m *Metrics) RecordProcessorFailure(processor string) {
	m.processorFailures.WithLabelValues(processor).Inc()
}

// RecordRetrieval counts a retrieval by domain and outcome
// ("hit", "empty" or "error").
func (m *Metrics) RecordRetrieval(domain, outcome string) {
	m.retrievals.WithLabelValues(domain, outcome).Inc()
}
