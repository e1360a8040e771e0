package docstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    readCounter    prometheus.Counter
//	    writeHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordRead(duration time.Duration, err error) {
//	    p.readCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordRead is called after each single-document read.
	// duration is the total time taken, err is nil if successful.
	RecordRead(duration time.Duration, err error)

	// RecordVisit is called after each bulk read.
	// count is the number of lids requested, duration is the total time taken.
	RecordVisit(count int, duration time.Duration, err error)

	// RecordWrite is called after each write operation.
	RecordWrite(duration time.Duration, err error)

	// RecordRemove is called after each remove operation.
	RecordRemove(duration time.Duration, err error)

	// RecordFlush is called after each flush operation.
	RecordFlush(duration time.Duration, err error)

	// RecordCompaction is called after each compaction run.
	// kind is "bloat" or "spread".
	RecordCompaction(kind string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(time.Duration, error)               {}
func (NoopMetricsCollector) RecordVisit(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordWrite(time.Duration, error)              {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)             {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)              {}
func (NoopMetricsCollector) RecordCompaction(string, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount        atomic.Int64
	ReadErrors       atomic.Int64
	ReadTotalNanos   atomic.Int64
	VisitCount       atomic.Int64
	VisitItems       atomic.Int64
	VisitErrors      atomic.Int64
	WriteCount       atomic.Int64
	WriteErrors      atomic.Int64
	WriteTotalNanos  atomic.Int64
	RemoveCount      atomic.Int64
	RemoveErrors     atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordVisit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordVisit(count int, duration time.Duration, err error) {
	b.VisitCount.Add(1)
	b.VisitItems.Add(int64(count))
	if err != nil {
		b.VisitErrors.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(kind string, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}
