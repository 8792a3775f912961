package schedule

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for scheduled jobs.
type Metrics struct {
	JobRunsTotal  *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobSkipsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_job_runs_total",
			Help: "Total scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Duration of scheduled job runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}, []string{"job"}),
		JobSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_job_skips_total",
			Help: "Ticks skipped because the job was still running.",
		}, []string{"job"}),
	}

	reg.MustRegister(m.JobRunsTotal, m.JobDuration, m.JobSkipsTotal)
	return m
}

// Hooks returns scheduler Hooks that record the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnComplete: func(id string, d time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.JobRunsTotal.WithLabelValues(id, result).Inc()
			m.JobDuration.WithLabelValues(id).Observe(d.Seconds())
		},
		OnSkip: func(id string) {
			m.JobSkipsTotal.WithLabelValues(id).Inc()
		},
	}
}
