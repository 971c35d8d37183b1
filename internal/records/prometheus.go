package records

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiperf/aiperf/internal/types"
)

// PrometheusExporter exposes the running aggregates as Prometheus metrics,
// replacing the hand-rolled text-exposition Collector with real
// registered collectors (prometheus/client_golang) so scraping, registry
// composition, and content negotiation all come from the library instead of
// a bespoke buffer-and-sort implementation.
//
// Unlike the Collector, which owns its own cached maps behind a
// mutex, PrometheusExporter is a thin view over a Manager: Collect() always
// reflects whatever the Manager has ingested up to that instant.
type PrometheusExporter struct {
	mgr *Manager

	requestsTotal  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	latency        *prometheus.SummaryVec
	lastSnapshotMu sync.Mutex
	lastTags       map[types.MetricTag]bool
}

// NewPrometheusExporter builds an exporter bound to mgr. Register it with a
// prometheus.Registry (or the default registerer) to expose /metrics.
func NewPrometheusExporter(mgr *Manager) *PrometheusExporter {
	return &PrometheusExporter{
		mgr: mgr,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "requests_total",
			Help:      "Total requests processed, labeled by outcome.",
		}, []string{"outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "errors_total",
			Help:      "Total errors grouped by structural error signature.",
		}, []string{"error_type", "error_code"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "aiperf",
			Name:       "metric_summary",
			Help:       "Per-metric-tag summary statistics for the current run.",
			Objectives: map[float64]float64{0.5: 0.01, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
		}, []string{"tag", "unit"}),
		lastTags: make(map[types.MetricTag]bool),
	}
}

// Describe implements prometheus.Collector.
func (e *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	e.requestsTotal.Describe(ch)
	e.errorsTotal.Describe(ch)
	e.latency.Describe(ch)
}

// Collect implements prometheus.Collector: it pulls a fresh ProfileResults
// snapshot from the Manager and re-derives gauge/counter values from it, so
// every scrape reflects the latest ingested records without the exporter
// needing its own ingestion path.
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	results := e.mgr.Results()

	e.lastSnapshotMu.Lock()
	defer e.lastSnapshotMu.Unlock()

	e.requestsTotal.Reset()
	e.errorsTotal.Reset()
	e.latency.Reset()

	if good, ok := results.Records[types.MetricGoodRequestCount]; ok {
		e.requestsTotal.WithLabelValues("success").Add(good.Avg * float64(good.Count))
	}

	for _, entry := range results.ErrorSummary {
		e.errorsTotal.WithLabelValues(entry.Error.Type, entry.Error.Code).Add(float64(entry.Count))
	}

	for tag := range e.lastTags {
		delete(e.lastTags, tag)
	}
	for tag, res := range results.Records {
		e.lastTags[tag] = true
		observeSummaryPercentiles(e.latency.WithLabelValues(string(tag), string(res.Unit)), res)
	}

	e.requestsTotal.Collect(ch)
	e.errorsTotal.Collect(ch)
	e.latency.Collect(ch)
}

// observeSummaryPercentiles feeds a MetricResult's nine already-computed
// percentiles (P1 through P99) into a prometheus.Observer as observations.
// The exposed summary's quantiles, count and sum are therefore taken over
// those nine values, not over the raw per-request samples; its 0.5 quantile
// is the aggregator's P50.
func observeSummaryPercentiles(obs prometheus.Observer, res types.MetricResult) {
	for _, v := range []float64{res.P1, res.P5, res.P10, res.P25, res.P50, res.P75, res.P90, res.P95, res.P99} {
		obs.Observe(v)
	}
}
