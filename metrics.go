package gptq

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
//	    quantizeCounter   prometheus.Counter
//	    quantizeHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordQuantize(d time.Duration, loss float64, err error) {
//	    p.quantizeCounter.Inc()
//	    p.quantizeHistogram.Observe(d.Seconds())
//	}
type MetricsCollector interface {
	// RecordBatch is called after each calibration batch.
	// samples is the number of samples the batch contributed.
	RecordBatch(samples int, duration time.Duration, err error)

	// RecordQuantize is called after each engine run.
	// loss is the total quantization error, zero when err is set.
	RecordQuantize(duration time.Duration, loss float64, err error)

	// RecordPack is called after packing. sizeBytes is the packed size.
	RecordPack(sizeBytes int64, err error)

	// RecordSave is called after an artifact is written to a blob store.
	RecordSave(sizeBytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBatch(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordQuantize(time.Duration, float64, error) {}
func (NoopMetricsCollector) RecordPack(int64, error)                      {}
func (NoopMetricsCollector) RecordSave(int64, time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	BatchCount         atomic.Int64
	BatchSamples       atomic.Int64
	BatchErrors        atomic.Int64
	QuantizeCount      atomic.Int64
	QuantizeErrors     atomic.Int64
	QuantizeTotalNanos atomic.Int64
	PackCount          atomic.Int64
	PackErrors         atomic.Int64
	PackedBytes        atomic.Int64
	SaveCount          atomic.Int64
	SaveErrors         atomic.Int64
	SavedBytes         atomic.Int64
}

// RecordBatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatch(samples int, _ time.Duration, err error) {
	b.BatchCount.Add(1)
	if err != nil {
		b.BatchErrors.Add(1)
		return
	}
	b.BatchSamples.Add(int64(samples))
}

// RecordQuantize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuantize(duration time.Duration, _ float64, err error) {
	b.QuantizeCount.Add(1)
	b.QuantizeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QuantizeErrors.Add(1)
	}
}

// RecordPack implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPack(sizeBytes int64, err error) {
	b.PackCount.Add(1)
	if err != nil {
		b.PackErrors.Add(1)
		return
	}
	b.PackedBytes.Add(sizeBytes)
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(sizeBytes int64, _ time.Duration, err error) {
	b.SaveCount.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
		return
	}
	b.SavedBytes.Add(sizeBytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		BatchCount:       b.BatchCount.Load(),
		BatchSamples:     b.BatchSamples.Load(),
		BatchErrors:      b.BatchErrors.Load(),
		QuantizeCount:    b.QuantizeCount.Load(),
		QuantizeErrors:   b.QuantizeErrors.Load(),
		QuantizeAvgNanos: b.getAvgQuantizeNanos(),
		PackCount:        b.PackCount.Load(),
		PackErrors:       b.PackErrors.Load(),
		PackedBytes:      b.PackedBytes.Load(),
		SaveCount:        b.SaveCount.Load(),
		SaveErrors:       b.SaveErrors.Load(),
		SavedBytes:       b.SavedBytes.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgQuantizeNanos() int64 {
	count := b.QuantizeCount.Load()
	if count == 0 {
		return 0
	}
	return b.QuantizeTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BatchCount       int64
	BatchSamples     int64
	BatchErrors      int64
	QuantizeCount    int64
	QuantizeErrors   int64
	QuantizeAvgNanos int64
	PackCount        int64
	PackErrors       int64
	PackedBytes      int64
	SaveCount        int64
	SaveErrors       int64
	SavedBytes       int64
}
