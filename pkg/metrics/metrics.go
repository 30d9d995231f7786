// Package metrics exposes pipeline counters and histograms on a dedicated
// Prometheus registry.
package metrics

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline collects per-run metrics.
type Pipeline struct {
	registry *prometheus.Registry

	outcomesTotal     *prometheus.CounterVec
	enrichmentCalls   *prometheus.CounterVec
	stageSeconds      *prometheus.HistogramVec
	fileSizeBytes     prometheus.Histogram
	skippedTotal      prometheus.Counter
	relocationsFailed prometheus.Counter
}

// New registers the pipeline metrics under namespace on a fresh registry.
func New(namespace string) *Pipeline {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "sortbook"
	}
	m := &Pipeline{registry: prometheus.NewRegistry()}
	m.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_total",
		Help:      "Files finished, by terminal status.",
	}, []string{"status"})
	m.enrichmentCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrichment_calls_total",
		Help:      "Enrichment requests, by result.",
	}, []string{"result"})
	m.stageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent per pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	m.fileSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "file_size_bytes",
		Help:      "Size of files entering the pipeline.",
		Buckets:   []float64{1 << 10, 10 << 10, 100 << 10, 1 << 20, 10 << 20, 100 << 20, 1 << 30},
	})
	m.skippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_skipped_total",
		Help:      "Files skipped because the resume set lists them.",
	})
	m.relocationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relocation_failures_total",
		Help:      "Files whose move to the target failed.",
	})
	m.registry.MustRegister(
		m.outcomesTotal,
		m.enrichmentCalls,
		m.stageSeconds,
		m.fileSizeBytes,
		m.skippedTotal,
		m.relocationsFailed,
	)
	return m
}

// RecordOutcome counts a finished file.
func (m *Pipeline) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(status).Inc()
}

// RecordEnrichment counts an enrichment call; result is "ok" or an error class.
func (m *Pipeline) RecordEnrichment(result string) {
	if m == nil {
		return
	}
	m.enrichmentCalls.WithLabelValues(result).Inc()
}

// ObserveStage records the seconds spent in a stage.
func (m *Pipeline) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(seconds)
}

// ObserveFileSize records the size of an input file.
func (m *Pipeline) ObserveFileSize(bytes int64) {
	if m == nil {
		return
	}
	m.fileSizeBytes.Observe(float64(bytes))
}

// RecordSkipped counts a resume skip.
func (m *Pipeline) RecordSkipped() {
	if m == nil {
		return
	}
	m.skippedTotal.Inc()
}

// RecordRelocationFailure counts a failed move.
func (m *Pipeline) RecordRelocationFailure() {
	if m == nil {
		return
	}
	m.relocationsFailed.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Pipeline) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values to path for node_exporter's
// textfile collector.
func (m *Pipeline) WriteTextfile(path string) error {
	if m == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
