package news

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the news subsystem.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	ItemsTotal         *prometheus.CounterVec
	SourceFetchTotal   *prometheus.CounterVec
	SourceItemsTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	DigestRecords      prometheus.Histogram
}

// NewMetrics registers and returns news metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_pipeline_runs_total",
			Help: "Total pipeline runs by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_items_total",
			Help: "Raw items processed by outcome.",
		}, []string{"outcome"}),
		SourceFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_source_fetch_total",
			Help: "Source fetches by source and result.",
		}, []string{"source", "result"}),
		SourceItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_source_items_total",
			Help: "Raw items returned per source.",
		}, []string{"source"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notification deliveries by kind and result.",
		}, []string{"kind", "result"}),
		DigestRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_digest_records",
			Help:    "Records included per interval digest.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ItemsTotal,
		m.SourceFetchTotal,
		m.SourceItemsTotal,
		m.NotificationsTotal,
		m.DigestRecords,
	)

	return m
}

func (m *Metrics) observeRun(dur time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(dur.Seconds())
}

func (m *Metrics) observeItem(o Outcome) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeFetch(source string, n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SourceFetchTotal.WithLabelValues(source, "error").Inc()
		return
	}
	m.SourceFetchTotal.WithLabelValues(source, "success").Inc()
	m.SourceItemsTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) observeDelivery(kind MessageKind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) observeDigest(n int) {
	if m == nil {
		return
	}
	m.DigestRecords.Observe(float64(n))
}
