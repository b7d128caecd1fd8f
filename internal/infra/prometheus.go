package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pricebook"

// Collector exports a Metrics instance to Prometheus.
type Collector struct {
	m *Metrics

	counters    map[string]*prometheus.Desc
	latency     *prometheus.Desc
	connections *prometheus.Desc
}

// NewCollector creates a collector reading m.
func NewCollector(m *Metrics) *Collector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	c := &Collector{
		m:           m,
		latency:     counter("event_latency_avg_ns", "Average feed event latency."),
		connections: counter("active_connections", "Open websocket connections."),
	}
	c.counters = map[string]*prometheus.Desc{
		"feed_events_total":     counter("feed_events_total", "Feed events processed by the sequencer."),
		"entries_written_total": counter("entries_written_total", "Log entries committed."),
		"index_runs_total":      counter("index_runs_total", "Index runs written at bucket boundaries."),
		"held_back_total":       counter("held_back_total", "Entries dropped at cold bucket boundaries."),
		"inconsistencies_total": counter("inconsistencies_total", "Crossed books detected."),
		"errors_total":          counter("errors_total", "Errors recorded."),
		"bucket_fetches_total":  counter("bucket_fetches_total", "Remote bucket requests."),
		"disk_cache_hits_total": counter("disk_cache_hits_total", "Disk cache hits."),
		"disk_cache_miss_total": counter("disk_cache_miss_total", "Disk cache misses."),
		"view_cache_hits_total": counter("view_cache_hits_total", "View-state cache hits."),
		"view_cache_miss_total": counter("view_cache_miss_total", "View-state cache misses."),
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.latency
	ch <- c.connections
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	values := map[string]uint64{
		"feed_events_total":     s.FeedEvents,
		"entries_written_total": s.EntriesWritten,
		"index_runs_total":      s.IndexRuns,
		"held_back_total":       s.HeldBack,
		"inconsistencies_total": s.Inconsistencies,
		"errors_total":          s.ErrorsTotal,
		"bucket_fetches_total":  s.BucketFetches,
		"disk_cache_hits_total": s.DiskHits,
		"disk_cache_miss_total": s.DiskMisses,
		"view_cache_hits_total": s.ViewHits,
		"view_cache_miss_total": s.ViewMisses,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(c.counters[name], prometheus.CounterValue, float64(v))
	}
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(s.AvgLatencyNs))
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.ActiveConnections))
}

// MetricsHandler serves m together with the Go runtime collectors.
func MetricsHandler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
