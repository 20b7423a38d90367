// Package telemetry owns the prometheus collectors for the pipeline.
// Observation happens at the wiring boundary: remote operations and
// admission gates are wrapped with decorators, queue gauges are fed
// from stats polls. A nil *Metrics is valid everywhere and records
// nothing, so one-shot runs skip the registry entirely.
package telemetry

import (
	"context"

	"github.com/osmsync/osmsync/internal/remote"
	"github.com/prometheus/client_golang/prometheus"
)

// Gap record events.
const (
	GapDetected  = "detected"
	GapRecovered = "recovered"
)

// Metrics aggregates the pipeline's collectors. Register it once on a
// prometheus.Registry; it implements prometheus.Collector.
type Metrics struct {
	attemptDuration *prometheus.SummaryVec
	attempts        *prometheus.CounterVec
	admissionWait   *prometheus.SummaryVec
	activeLocks     *prometheus.GaugeVec
	waitingTickets  *prometheus.GaugeVec
	reapedLocks     *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	gaps            *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		attemptDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "remote_attempt_duration",
			Help: "The timings of individual remote operation attempts",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.99: 0.001,
			},
		}, []string{"operation"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remote_attempts",
			Help: "Remote operation attempts by kind and result",
		}, []string{"operation", "result"}),
		admissionWait: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "admission_wait_duration",
			Help: "Time spent waiting for queue admission ahead of an attempt",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.99: 0.001,
			},
		}, []string{"queue"}),
		activeLocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_active_locks",
			Help: "Locks currently held in the queue namespace",
		}, []string{"queue"}),
		waitingTickets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_waiting_tickets",
			Help: "Tickets registered and not yet admitted",
		}, []string{"queue"}),
		reapedLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_reaped_locks",
			Help: "Stale locks reclaimed from dead processes",
		}, []string{"queue"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_jobs",
			Help: "Batch job outcomes by phase",
		}, []string{"phase", "outcome"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gap_records",
			Help: "Coverage gap records by kind and event",
		}, []string{"kind", "event"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.attemptDuration,
		m.attempts,
		m.admissionWait,
		m.activeLocks,
		m.waitingTickets,
		m.reapedLocks,
		m.jobs,
		m.gaps,
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect fetches metrics from the pipeline for use by prometheus
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Instrument wraps op so every attempt is counted and timed under its
// kind. Wrapping with a nil Metrics returns op unchanged.
func (m *Metrics) Instrument(op remote.Operation) remote.Operation {
	if m == nil {
		return op
	}
	return &instrumentedOp{next: op, metrics: m}
}

// InstrumentGate wraps g so the time a caller spends waiting for
// admission is observed under the queue name.
func (m *Metrics) InstrumentGate(queue string, g remote.Gate) remote.Gate {
	if m == nil || g == nil {
		return g
	}
	return &instrumentedGate{next: g, queue: queue, metrics: m}
}

// SetQueueGauges records a point in time snapshot of one queue
// namespace.
func (m *Metrics) SetQueueGauges(queue string, active, waiting int) {
	if m == nil {
		return
	}
	m.activeLocks.WithLabelValues(queue).Set(float64(active))
	m.waitingTickets.WithLabelValues(queue).Set(float64(waiting))
}

// AddReaped counts locks reclaimed from dead owners by a prune pass.
func (m *Metrics) AddReaped(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reapedLocks.WithLabelValues(queue).Add(float64(n))
}

// AddJobs records the outcome counts of one batch pass.
func (m *Metrics) AddJobs(phase string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(phase, "success").Add(float64(succeeded))
	m.jobs.WithLabelValues(phase, "failed").Add(float64(failed))
}

// AddGaps counts gap records, event is GapDetected or GapRecovered.
func (m *Metrics) AddGaps(kind, event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.gaps.WithLabelValues(kind, event).Add(float64(n))
}

type instrumentedOp struct {
	next    remote.Operation
	metrics *Metrics
}

func (o *instrumentedOp) Kind() string { return o.next.Kind() }

func (o *instrumentedOp) Attempt(ctx context.Context) error {
	timer := prometheus.NewTimer(o.metrics.attemptDuration.WithLabelValues(o.next.Kind()))
	err := o.next.Attempt(ctx)
	timer.ObserveDuration()
	o.metrics.attempts.WithLabelValues(o.next.Kind(), resultLabel(err)).Inc()
	return err
}

type instrumentedGate struct {
	next    remote.Gate
	queue   string
	metrics *Metrics
}

func (g *instrumentedGate) Admit(ctx context.Context) (func(), error) {
	timer := prometheus.NewTimer(g.metrics.admissionWait.WithLabelValues(g.queue))
	release, err := g.next.Admit(ctx)
	timer.ObserveDuration()
	return release, err
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
