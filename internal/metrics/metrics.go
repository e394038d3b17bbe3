// Package metrics exposes the run's operational counters to Prometheus.
// Each Metrics value owns its registry, so tests and embedded servers never
// fight over collector registration.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueSampler is the slice of the task queue the poller needs.
type QueueSampler interface {
	Depths() map[string]int
}

// Metrics bundles the collectors the orchestrator and workers feed.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	gateOutcomes    *prometheus.CounterVec
	storiesByStatus *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	dlqDepth        prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	costUSD         *prometheus.CounterVec
}

// New builds a Metrics with a fresh registry and all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wave",
			Name:      "events_published_total",
			Help:      "Events published to the bus by type.",
		}, []string{"event_type"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wave",
			Name:      "events_consumed_total",
			Help:      "Events consumed from the bus by type.",
		}, []string{"event_type"}),
		gateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wave",
			Name:      "gate_outcomes_total",
			Help:      "Gate executions by gate and outcome.",
		}, []string{"gate", "outcome"}),
		storiesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wave",
			Name:      "stories",
			Help:      "Stories in the active session by status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wave",
			Name:      "queue_depth",
			Help:      "Queued tasks per domain.",
		}, []string{"domain"}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wave",
			Name:      "dlq_depth",
			Help:      "Entries parked on the dead-letter stream.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wave",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock task duration per domain.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"domain"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wave",
			Name:      "cost_usd_total",
			Help:      "Accrued model spend per project.",
		}, []string{"project"}),
	}
	m.registry.MustRegister(
		m.eventsPublished, m.eventsConsumed, m.gateOutcomes,
		m.storiesByStatus, m.queueDepth, m.dlqDepth, m.taskDuration,
		m.costUSD,
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the scrape endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventConsumed counts one consumed event.
func (m *Metrics) EventConsumed(eventType string) {
	m.eventsConsumed.WithLabelValues(eventType).Inc()
}

// GateExecuted counts one gate verdict.
func (m *Metrics) GateExecuted(gate string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.gateOutcomes.WithLabelValues(gate, outcome).Inc()
}

// SetStories replaces the per-status story gauges. Statuses absent from
// counts are zeroed so completed runs do not leave stale gauges behind.
func (m *Metrics) SetStories(counts map[string]int) {
	m.storiesByStatus.Reset()
	for status, n := range counts {
		m.storiesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetQueueDepths replaces the per-domain queue gauges.
func (m *Metrics) SetQueueDepths(depths map[string]int) {
	m.queueDepth.Reset()
	for domain, n := range depths {
		m.queueDepth.WithLabelValues(domain).Set(float64(n))
	}
}

// SetDLQDepth records the dead-letter backlog.
func (m *Metrics) SetDLQDepth(n int64) {
	m.dlqDepth.Set(float64(n))
}

// TaskDone observes one finished task.
func (m *Metrics) TaskDone(domain string, d time.Duration) {
	m.taskDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// CostAccrued adds spend for a project.
func (m *Metrics) CostAccrued(project string, usd float64) {
	m.costUSD.WithLabelValues(project).Add(usd)
}

// PollQueue samples queue depths on the interval until ctx ends.
func (m *Metrics) PollQueue(ctx context.Context, q QueueSampler, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetQueueDepths(q.Depths())
		}
	}
}

// PollDLQ samples the dead-letter backlog on the interval until ctx ends.
// Sampling failures are skipped; the gauge keeps its last good value.
func (m *Metrics) PollDLQ(ctx context.Context, length func(context.Context) (int64, error), every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := length(ctx)
			if err != nil {
				continue
			}
			m.SetDLQDepth(n)
		}
	}
}
