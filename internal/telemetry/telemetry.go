// Package telemetry records sync queue metrics in Prometheus form.
//
// Nothing is transmitted: metrics stay in process and are only exposed when
// the host serves Handler, e.g. `fitsync serve --metrics`.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// QueueMetrics implements queue.Recorder.
type QueueMetrics struct {
	enqueued  *prometheus.CounterVec
	processed *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	drains    prometheus.Histogram
	pending   prometheus.Gauge
	failing   prometheus.Gauge
}

// NewQueueMetrics registers the queue collectors with reg.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	factory := promauto.With(reg)
	return &QueueMetrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_queue_enqueued_total",
			Help: "Number of sync operations enqueued",
		}, []string{"table", "operation"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_queue_processed_total",
			Help: "Number of sync attempts by outcome",
		}, []string{"table", "operation", "status"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_queue_dropped_total",
			Help: "Number of entries dropped after exhausting retries",
		}, []string{"table"}),
		drains: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fitsync_queue_drain_duration_seconds",
			Help:    "Duration of queue drains",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fitsync_queue_pending",
			Help: "Number of queued entries",
		}),
		failing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fitsync_queue_failing",
			Help: "Number of queued entries that failed at least once",
		}),
	}
}

func (m *QueueMetrics) Enqueued(table string, op models.Operation) {
	m.enqueued.WithLabelValues(table, string(op)).Inc()
}

func (m *QueueMetrics) Processed(table string, op models.Operation, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	m.processed.WithLabelValues(table, string(op), status).Inc()
}

func (m *QueueMetrics) Dropped(table string) {
	m.dropped.WithLabelValues(table).Inc()
}

func (m *QueueMetrics) DrainDuration(d time.Duration) {
	m.drains.Observe(d.Seconds())
}

func (m *QueueMetrics) QueueDepth(pending, failed int) {
	m.pending.Set(float64(pending))
	m.failing.Set(float64(failed))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
