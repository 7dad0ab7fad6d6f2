// Package metrics exports the engine's health signals. Degraded background
// state (failing flushes, failing compactions, growing frozen queues) is
// visible here rather than through write errors, as long as data safety
// holds.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strata"

type Metrics struct {
	reg *prometheus.Registry

	WriteRows   *prometheus.CounterVec
	WriteBytes  *prometheus.CounterVec
	WriteStalls *prometheus.CounterVec
	WALAppend   prometheus.Histogram
	WALBytes    prometheus.Counter

	FrozenMemtables prometheus.Gauge
	MemtableBytes   prometheus.Gauge
	FlushSeconds    prometheus.Histogram
	FlushFailures   prometheus.Counter
	FlushedBytes    prometheus.Counter

	CompactionSeconds  prometheus.Histogram
	CompactionFailures prometheus.Counter
	CompactionInBytes  prometheus.Counter
	CompactionOutBytes prometheus.Counter
	LiveFiles          *prometheus.GaugeVec

	ReadSeconds prometheus.Histogram
	BlockReads  prometheus.Counter
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	ReplayedFrames prometheus.Counter
	TruncatedTails prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.WriteRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "write", Name: "rows_total",
		Help: "Rows accepted into the engine.",
	}, []string{"table"})
	m.WriteBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "write", Name: "bytes_total",
		Help: "Row payload bytes accepted into the engine.",
	}, []string{"table"})
	m.WriteStalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "write", Name: "stalls_total",
		Help: "Writes delayed or rejected by backpressure.",
	}, []string{"table"})
	m.WALAppend = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "wal", Name: "append_seconds",
		Help:    "Durable WAL append latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	m.WALBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wal", Name: "bytes_total",
		Help: "Bytes appended to the WAL.",
	})

	m.FrozenMemtables = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "memtable", Name: "frozen",
		Help: "Immutable memtables awaiting flush.",
	})
	m.MemtableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "memtable", Name: "bytes",
		Help: "Resident bytes across active memtables.",
	})
	m.FlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "flush", Name: "seconds",
		Help:    "Memtable flush duration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	m.FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "flush", Name: "failures_total",
		Help: "Flush attempts that failed and will be retried.",
	})
	m.FlushedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "flush", Name: "bytes_total",
		Help: "Bytes written into level-0 files.",
	})

	m.CompactionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "compaction", Name: "seconds",
		Help:    "Compaction task duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})
	m.CompactionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "compaction", Name: "failures_total",
		Help: "Compaction attempts that failed and will be retried.",
	})
	m.CompactionInBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "compaction", Name: "in_bytes_total",
		Help: "Bytes read by compactions.",
	})
	m.CompactionOutBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "compaction", Name: "out_bytes_total",
		Help: "Bytes written by compactions.",
	})
	m.LiveFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "lsm", Name: "files",
		Help: "Live data files per table and level.",
	}, []string{"table", "level"})

	m.ReadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "read", Name: "seconds",
		Help:    "Point and range read latency.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 18),
	})
	m.BlockReads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "read", Name: "block_reads_total",
		Help: "Data blocks fetched from the byte store.",
	})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Block cache hits.",
	})
	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Block cache misses.",
	})

	m.ReplayedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "recovery", Name: "replayed_frames_total",
		Help: "WAL frames applied during recovery.",
	})
	m.TruncatedTails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "recovery", Name: "truncated_tails_total",
		Help: "Corrupt final WAL frames discarded during recovery.",
	})

	m.reg.MustRegister(
		m.WriteRows, m.WriteBytes, m.WriteStalls, m.WALAppend, m.WALBytes,
		m.FrozenMemtables, m.MemtableBytes, m.FlushSeconds, m.FlushFailures, m.FlushedBytes,
		m.CompactionSeconds, m.CompactionFailures, m.CompactionInBytes, m.CompactionOutBytes, m.LiveFiles,
		m.ReadSeconds, m.BlockReads, m.CacheHits, m.CacheMisses,
		m.ReplayedFrames, m.TruncatedTails,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
