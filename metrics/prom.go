package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PromMetrics struct {
	created         *prometheus.CounterVec
	claimed         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	completed       *prometheus.CounterVec
	errored         *prometheus.CounterVec
	requeued        *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {

	m := &PromMetrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_tasks_created_total",
			Help: "Number of tasks created",
		}, []string{"queue"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_tasks_claimed_total",
			Help: "Number of tasks assigned to a worker",
		}, []string{"queue"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_claim_conflicts_total",
			Help: "Number of claim attempts lost to another worker",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_tasks_completed_total",
			Help: "Number of completed tasks",
		}, []string{"queue"}),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_tasks_errored_total",
			Help: "Number of tasks moved to errored, late completions included",
		}, []string{"queue", "late"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docmq_tasks_requeued_total",
			Help: "Number of expired leases returned to unassigned",
		}, []string{"queue"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docmq_dispatch_latency_seconds",
			Help:    "Time a worker spent in NextTask before a claim succeeded",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
	}
	reg.MustRegister(m.created, m.claimed, m.conflicts, m.completed, m.errored, m.requeued, m.dispatchLatency)
	return m
}

func (m *PromMetrics) TaskCreated(queue string) {
	m.created.WithLabelValues(queue).Inc()
}
func (m *PromMetrics) TaskClaimed(queue string) {
	m.claimed.WithLabelValues(queue).Inc()
}
func (m *PromMetrics) ClaimConflict(queue string) {
	m.conflicts.WithLabelValues(queue).Inc()
}
func (m *PromMetrics) TaskCompleted(queue string) {
	m.completed.WithLabelValues(queue).Inc()
}
func (m *PromMetrics) TaskErrored(queue string, late bool) {
	m.errored.WithLabelValues(queue, strconv.FormatBool(late)).Inc()
}
func (m *PromMetrics) TasksRequeued(queue string, n int) {
	m.requeued.WithLabelValues(queue).Add(float64(n))
}
func (m *PromMetrics) DispatchLatency(queue string, d time.Duration) {
	m.dispatchLatency.WithLabelValues(queue).Observe(d.Seconds())
}
