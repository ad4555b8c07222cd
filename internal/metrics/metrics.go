// Package metrics holds the per-run Prometheus collectors. A run writes its
// registry to a node-exporter textfile and optionally pushes it to a
// Pushgateway when it finishes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "basecai"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	loads          *prometheus.CounterVec
	sentinelProbes *prometheus.CounterVec
	generations    *prometheus.CounterVec
	genDuration    *prometheus.HistogramVec
	evalOutcomes   *prometheus.CounterVec
	pairs          *prometheus.CounterVec
	trainRuns      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Model loads by result",
		}, []string{"result"}),
		sentinelProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "sentinel_probes_total",
			Help:      "Sentinel probes checked by result",
		}, []string{"result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "generations_total",
			Help:      "Generation attempts by status (ok, empty, failed, retried)",
		}, []string{"status"}),
		genDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "generation_duration_seconds",
			Help:      "Duration of single completions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"model"}),
		evalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "outcomes_total",
			Help:      "Evaluated items by variant and outcome",
		}, []string{"variant", "outcome"}),
		pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "critic",
			Name:      "pairs_total",
			Help:      "Instructions considered for preference pairs by result (kept, low_margin, too_few)",
		}, []string{"result"}),
		trainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "runs_total",
			Help:      "Training job runs by stage and result",
		}, []string{"stage", "result"}),
	}
	m.reg.MustRegister(m.loads, m.sentinelProbes, m.generations, m.genDuration, m.evalOutcomes, m.pairs, m.trainRuns)
	return m
}

// Registry exposes the underlying registry (tests, custom gatherers).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveLoad(result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProbe(passed bool) {
	if m == nil {
		return
	}
	m.sentinelProbes.WithLabelValues(passFail(passed)).Inc()
}

func (m *Metrics) ObserveGeneration(model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(status).Inc()
	if d > 0 {
		m.genDuration.WithLabelValues(model).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveEval(variant string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.evalOutcomes.WithLabelValues(variant, outcome).Inc()
}

func (m *Metrics) ObservePair(result string) {
	if m == nil {
		return
	}
	m.pairs.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTrain(stage, result string) {
	if m == nil {
		return
	}
	m.trainRuns.WithLabelValues(stage, result).Inc()
}

// WriteTextfile writes the registry in text format for the node exporter
// textfile collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.reg).PushContext(ctx)
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
