package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability for the hot path.
// Uses atomic operations for thread-safety; the Prometheus collector reads it.
type Metrics struct {
	// Ingest counters
	feedEvents      atomic.Uint64
	entriesWritten  atomic.Uint64
	indexRuns       atomic.Uint64
	heldBack        atomic.Uint64
	inconsistencies atomic.Uint64
	errorsTotal     atomic.Uint64

	// Cache counters
	bucketFetches atomic.Uint64
	diskHits      atomic.Uint64
	diskMisses    atomic.Uint64
	viewHits      atomic.Uint64
	viewMisses    atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records a processed feed event with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.feedEvents.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordEntriesWritten counts committed log entries.
func (m *Metrics) RecordEntriesWritten(n int) {
	m.entriesWritten.Add(uint64(n))
}

// RecordIndexRuns counts index runs written at bucket boundaries.
func (m *Metrics) RecordIndexRuns(n int64) {
	m.indexRuns.Add(uint64(n))
}

// RecordHeldBack counts entries dropped at a cold bucket boundary.
func (m *Metrics) RecordHeldBack(n int64) {
	m.heldBack.Add(uint64(n))
}

// RecordInconsistency counts a detected crossed book.
func (m *Metrics) RecordInconsistency() {
	m.inconsistencies.Add(1)
}

// RecordBucketFetch counts a remote bucket request.
func (m *Metrics) RecordBucketFetch() {
	m.bucketFetches.Add(1)
}

// RecordDiskCache counts a disk cache lookup.
func (m *Metrics) RecordDiskCache(hit bool) {
	if hit {
		m.diskHits.Add(1)
	} else {
		m.diskMisses.Add(1)
	}
}

// RecordViewCache counts a view-state cache lookup.
func (m *Metrics) RecordViewCache(hit bool) {
	if hit {
		m.viewHits.Add(1)
	} else {
		m.viewMisses.Add(1)
	}
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FeedEvents        uint64
	EntriesWritten    uint64
	IndexRuns         uint64
	HeldBack          uint64
	Inconsistencies   uint64
	ErrorsTotal       uint64
	BucketFetches     uint64
	DiskHits          uint64
	DiskMisses        uint64
	ViewHits          uint64
	ViewMisses        uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FeedEvents:        m.feedEvents.Load(),
		EntriesWritten:    m.entriesWritten.Load(),
		IndexRuns:         m.indexRuns.Load(),
		HeldBack:          m.heldBack.Load(),
		Inconsistencies:   m.inconsistencies.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		BucketFetches:     m.bucketFetches.Load(),
		DiskHits:          m.diskHits.Load(),
		DiskMisses:        m.diskMisses.Load(),
		ViewHits:          m.viewHits.Load(),
		ViewMisses:        m.viewMisses.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.feedEvents.Store(0)
	m.entriesWritten.Store(0)
	m.indexRuns.Store(0)
	m.heldBack.Store(0)
	m.inconsistencies.Store(0)
	m.errorsTotal.Store(0)
	m.bucketFetches.Store(0)
	m.diskHits.Store(0)
	m.diskMisses.Store(0)
	m.viewHits.Store(0)
	m.viewMisses.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
