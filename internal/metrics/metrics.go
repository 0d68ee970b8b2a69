// Package metrics holds the Prometheus collectors for ingestion and rule
// runs. Each Metrics owns its registry so commands and tests never share
// global state.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailsync"

// Action outcomes recorded in the actions_total counter.
const (
	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeDiverged = "diverged"
	OutcomeInvalid  = "invalid"
	OutcomeDryRun   = "dry_run"
)

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIngested prometheus.Counter
	MessagesSkipped  prometheus.Counter
	RuleMatches      *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	RunFailures      prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Messages inserted into the local store.",
		}),
		MessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Fetched messages that were already stored.",
		}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Messages matched, by rule.",
		}, []string{"rule"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Rule actions attempted, by type and outcome.",
		}, []string{"type", "outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a rule run.",
			Buckets:   prometheus.DefBuckets,
		}),
		RunFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Per-message failures recorded during rule runs.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesIngested,
		m.MessagesSkipped,
		m.RuleMatches,
		m.Actions,
		m.RunDuration,
		m.RunFailures,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Ingested records the outcome of one fetch.
func (m *Metrics) Ingested(inserted, skipped int) {
	if m == nil {
		return
	}
	m.MessagesIngested.Add(float64(inserted))
	m.MessagesSkipped.Add(float64(skipped))
}

// Matched records a rule match.
func (m *Metrics) Matched(rule string) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(rule).Inc()
}

// Action records one action attempt.
func (m *Metrics) Action(actionType, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(actionType, outcome).Inc()
}

// RunFinished records a completed rule run.
func (m *Metrics) RunFinished(d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
	m.RunFailures.Add(float64(failures))
}

// WriteTextfile writes every collector to path in the Prometheus text
// format, for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
