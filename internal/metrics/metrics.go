// Package metrics exposes Prometheus collectors for the evaluation engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the checklistd collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	DecisionsTotal   *prometheus.CounterVec
	EvaluationsTotal prometheus.Counter
	CompletionsTotal *prometheus.CounterVec
	CardFieldsTotal  *prometheus.CounterVec

	OracleCallsTotal   *prometheus.CounterVec
	OracleCallDuration *prometheus.HistogramVec

	TranscriptWords prometheus.Gauge
}

// NewMetrics registers the collectors with the default registry once and
// returns the shared instance.
//
// Metrics:
//   - checklist_cycles_total
//   - checklist_cycle_duration_seconds
//   - checklist_decisions_total{label}
//   - checklist_item_evaluations_total
//   - checklist_completions_total{source}
//   - checklist_card_field_decisions_total{label}
//   - checklist_oracle_calls_total{call,outcome}
//   - checklist_oracle_call_duration_seconds{call}
//   - checklist_transcript_words
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "checklist_cycles_total",
				Help: "Total number of evaluation cycles run",
			}),
			CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "checklist_cycle_duration_seconds",
				Help:    "Duration of evaluation cycles in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			}),
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checklist_decisions_total",
					Help: "Guard pipeline decisions by final label",
				},
				[]string{"label"},
			),
			EvaluationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "checklist_item_evaluations_total",
				Help: "Total number of item evaluations started",
			}),
			CompletionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checklist_completions_total",
					Help: "Items marked complete",
				},
				[]string{"source"}, // "auto" or "manual"
			),
			CardFieldsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checklist_card_field_decisions_total",
					Help: "Client card field claims by final label",
				},
				[]string{"label"},
			),
			OracleCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checklist_oracle_calls_total",
					Help: "Oracle calls by call type and outcome",
				},
				[]string{"call", "outcome"},
			),
			OracleCallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "checklist_oracle_call_duration_seconds",
					Help:    "Oracle call latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
				[]string{"call"},
			),
			TranscriptWords: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "checklist_transcript_words",
				Help: "Words currently held in the transcript window",
			}),
		}
	})

	return globalMetrics
}

// RecordCycle records a finished evaluation cycle.
func (m *Metrics) RecordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// RecordDecision records one pipeline outcome.
func (m *Metrics) RecordDecision(label string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(label).Inc()
}

// RecordEvaluation counts an item evaluation.
func (m *Metrics) RecordEvaluation() {
	if m == nil {
		return
	}
	m.EvaluationsTotal.Inc()
}

// RecordCompletion counts an item turning complete.
func (m *Metrics) RecordCompletion(source string) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(source).Inc()
}

// RecordOracleCall records one oracle round trip.
func (m *Metrics) RecordOracleCall(call, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OracleCallsTotal.WithLabelValues(call, outcome).Inc()
	m.OracleCallDuration.WithLabelValues(call).Observe(d.Seconds())
}

// SetTranscriptWords updates the window size gauge.
func (m *Metrics) SetTranscriptWords(n int) {
	if m == nil {
		return
	}
	m.TranscriptWords.Set(float64(n))
}

// RecordCardField records the outcome of one client card claim.
func (m *Metrics) RecordCardField(label string) {
	if m == nil {
		return
	}
	m.CardFieldsTotal.WithLabelValues(label).Inc()
}
