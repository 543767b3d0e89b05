// Package observability carries the pipeline's operational signals:
// Prometheus metrics, per-run JSONL observability events, and OpenTelemetry
// tracing with deterministic trace ids per run.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	EmailsIngestedTotal  prometheus.Counter
	EmailsProcessedTotal prometheus.Counter
	StageEventsTotal     *prometheus.CounterVec
	HITLItemsTotal       prometheus.Counter
	StageLatencyMS       *prometheus.HistogramVec
	HITLRatePercent      prometheus.Gauge
	MisAssociationRate   prometheus.Gauge
	MisrouteRate         prometheus.Gauge
	OCRErrorRate         prometheus.Gauge
	LLMCostPerEmail      prometheus.Gauge

	mu             sync.Mutex
	processedTotal int
	hitlTotal      int
}

// NewMetrics registers the collectors on a private registry so multiple
// instances (tests, embedded servers) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		EmailsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emails_ingested_total",
			Help: "Total emails ingested (normalized messages created).",
		}),
		EmailsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emails_processed_total",
			Help: "Total emails processed (routing decision completed).",
		}),
		StageEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_events_total",
			Help: "Pipeline stage completion events by stage and status.",
		}, []string{"stage", "status"}),
		HITLItemsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hitl_items_total",
			Help: "Total HITL review items created.",
		}),
		StageLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_latency_ms",
			Help:    "Pipeline stage latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"stage", "status"}),
		HITLRatePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hitl_rate_percent",
			Help: "Percentage of processed emails routed to HITL (process-local approximation).",
		}),
		MisAssociationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mis_association_rate",
			Help: "Manual identity corrections / total (process-local).",
		}),
		MisrouteRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "misroute_rate",
			Help: "Manual routing corrections / total (process-local).",
		}),
		OCRErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_error_rate",
			Help: "OCR errors / OCR attempts (process-local).",
		}),
		LLMCostPerEmail: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_cost_per_email",
			Help: "Estimated LLM cost per processed email (process-local).",
		}),
	}
	registry.MustRegister(
		m.EmailsIngestedTotal,
		m.EmailsProcessedTotal,
		m.StageEventsTotal,
		m.HITLItemsTotal,
		m.StageLatencyMS,
		m.HITLRatePercent,
		m.MisAssociationRate,
		m.MisrouteRate,
		m.OCRErrorRate,
		m.LLMCostPerEmail,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer { return m.registry }

// ObserveStage records one stage completion.
func (m *Metrics) ObserveStage(stage string, durationMS int, status string) {
	if durationMS < 0 {
		return
	}
	m.StageEventsTotal.WithLabelValues(stage, status).Inc()
	m.StageLatencyMS.WithLabelValues(stage, status).Observe(float64(durationMS))
}

// IncIngested counts normalized messages.
func (m *Metrics) IncIngested(count int) {
	if count <= 0 {
		return
	}
	m.EmailsIngestedTotal.Add(float64(count))
}

// IncProcessed counts completed routing decisions and refreshes the HITL
// rate gauge.
func (m *Metrics) IncProcessed(count int) {
	if count <= 0 {
		return
	}
	m.EmailsProcessedTotal.Add(float64(count))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processedTotal += count
	m.refreshHITLRateLocked()
}

// IncHITL counts created review items and refreshes the HITL rate gauge.
func (m *Metrics) IncHITL(count int) {
	if count <= 0 {
		return
	}
	m.HITLItemsTotal.Add(float64(count))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hitlTotal += count
	m.refreshHITLRateLocked()
}

func (m *Metrics) refreshHITLRateLocked() {
	if m.processedTotal > 0 {
		m.HITLRatePercent.Set(float64(m.hitlTotal) / float64(m.processedTotal) * 100.0)
	}
}
