// Package metrics exposes pipeline counters on a dedicated Prometheus
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Page results used as label values.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultDiscarded = "discarded"
)

// Collector holds every pipeline metric. A nil *Collector is valid and
// records nothing, so components can run without metrics wired.
type Collector struct {
	registry *prometheus.Registry

	pages           *prometheus.CounterVec
	pageRetries     *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	featuresDropped *prometheus.CounterVec
	recordsFetched  *prometheus.CounterVec
	pageDuration    *prometheus.HistogramVec
	geometryRejects *prometheus.CounterVec
	aggregateRows   *prometheus.GaugeVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
}

// NewCollector creates a collector on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_pages_total",
			Help: "Pages processed by result",
		}, []string{"source", "result"}),

		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_page_retries_total",
			Help: "Page fetch retries after transient failures",
		}, []string{"source"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geopipe_pages_in_flight",
			Help: "Page fetches currently holding a concurrency slot",
		}, []string{"source"}),

		featuresDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_features_dropped_total",
			Help: "Features dropped at decode time",
		}, []string{"source"}),

		recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_records_fetched_total",
			Help: "Feature records written to bronze",
		}, []string{"source"}),

		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geopipe_page_duration_seconds",
			Help:    "Wall time per page including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"source"}),

		geometryRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_geometry_rejected_total",
			Help: "Features excluded from aggregation for invalid geometry",
		}, []string{"source"}),

		aggregateRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geopipe_aggregate_rows",
			Help: "Rows in the most recent silver output",
		}, []string{"source"}),

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geopipe_runs_total",
			Help: "Completed runs by terminal status",
		}, []string{"source", "status"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geopipe_run_duration_seconds",
			Help:    "Wall time per run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}, []string{"source", "stage"}),
	}

	c.registry.MustRegister(
		c.pages, c.pageRetries, c.inFlight, c.featuresDropped, c.recordsFetched,
		c.pageDuration, c.geometryRejects, c.aggregateRows, c.runs, c.runDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// PageDone records the result and duration of one page.
func (c *Collector) PageDone(source, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.pages.WithLabelValues(source, result).Inc()
	if result != ResultDiscarded {
		c.pageDuration.WithLabelValues(source).Observe(d.Seconds())
	}
}

// PageRetry counts one retry.
func (c *Collector) PageRetry(source string) {
	if c == nil {
		return
	}
	c.pageRetries.WithLabelValues(source).Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (c *Collector) InFlight(source string, delta float64) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(source).Add(delta)
}

// Fetched counts records written and features dropped for one page.
func (c *Collector) Fetched(source string, records, dropped int) {
	if c == nil {
		return
	}
	c.recordsFetched.WithLabelValues(source).Add(float64(records))
	c.featuresDropped.WithLabelValues(source).Add(float64(dropped))
}

// Transformed records silver-stage results.
func (c *Collector) Transformed(source string, rejected, rows int) {
	if c == nil {
		return
	}
	c.geometryRejects.WithLabelValues(source).Add(float64(rejected))
	c.aggregateRows.WithLabelValues(source).Set(float64(rows))
}

// RunDone records a finished run.
func (c *Collector) RunDone(source, stage, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(source, status).Inc()
	c.runDuration.WithLabelValues(source, stage).Observe(d.Seconds())
}
