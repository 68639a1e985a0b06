package metrics

import (
	"net/http"
	"time"

	"shardscale/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes synchronization metrics
type Collector struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	rowsTotal     *prometheus.CounterVec
	inflightTasks prometheus.Gauge
	batchDuration prometheus.Histogram
	progressRatio *prometheus.GaugeVec
}

// New creates a collector on its own registry, so several collectors can
// live in one process (tests, embedded jobs).
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardscale_tasks_total",
				Help: "Total number of table tasks by terminal status",
			},
			[]string{"kind", "status"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardscale_rows_total",
				Help: "Total rows or changes applied to the target",
			},
			[]string{"table"},
		),
		inflightTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardscale_inflight_tasks",
				Help: "Number of table tasks currently running",
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardscale_batch_duration_seconds",
				Help:    "Time taken to read and apply one batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardscale_task_progress_ratio",
				Help: "Completed fraction of a table task, 0 when the estimate is unknown",
			},
			[]string{"table"},
		),
	}

	c.registry.MustRegister(c.tasksTotal)
	c.registry.MustRegister(c.rowsTotal)
	c.registry.MustRegister(c.inflightTasks)
	c.registry.MustRegister(c.batchDuration)
	c.registry.MustRegister(c.progressRatio)

	return c
}

// IncTask counts a task that reached status
func (c *Collector) IncTask(kind, status string) {
	c.tasksTotal.WithLabelValues(kind, status).Inc()
}

// AddRows adds to the rows applied for table
func (c *Collector) AddRows(table string, rows int64) {
	if rows <= 0 {
		return
	}
	c.rowsTotal.WithLabelValues(table).Add(float64(rows))
}

// TaskStarted increments the inflight gauge
func (c *Collector) TaskStarted() {
	c.inflightTasks.Inc()
}

// TaskDone decrements the inflight gauge
func (c *Collector) TaskDone() {
	c.inflightTasks.Dec()
}

// ObserveBatch observes how long one batch took
func (c *Collector) ObserveBatch(d time.Duration) {
	c.batchDuration.Observe(d.Seconds())
}

// SetProgress publishes the completed fraction of table
func (c *Collector) SetProgress(table string, snap progress.Snapshot) {
	c.progressRatio.WithLabelValues(table).Set(progress.Percent(snap) / 100)
}

// Registry returns the registry the metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
