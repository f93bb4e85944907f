package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "logexporter"

// Collector provides a central place for all application metrics
type Collector struct {
	// Watcher metrics
	LinesRead    prometheus.Counter
	BytesRead    prometheus.Counter
	ReadErrors   prometheus.Counter
	Truncations  prometheus.Counter
	FilesTracked prometheus.Gauge
	WatchEvents  *prometheus.CounterVec

	// Buffer metrics
	BufferLines prometheus.Gauge

	// Scheduler metrics
	Flushes      *prometheus.CounterVec
	BatchSize    prometheus.Histogram
	LinesDropped prometheus.Counter

	// Exporter metrics
	ExportDuration *prometheus.HistogramVec
	ExportLines    *prometheus.CounterVec
	ExportRetries  *prometheus.CounterVec

	// Checkpoint metrics
	CheckpointSaves *prometheus.CounterVec

	// Dead letter metrics
	DeadLetterBatches prometheus.Counter
	DeadLetterLines   prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector backed by its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initWatcherMetrics()
	c.initBufferMetrics()
	c.initSchedulerMetrics()
	c.initExporterMetrics()
	c.initCheckpointMetrics()
	c.initDeadLetterMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initWatcherMetrics() {
	f := promauto.With(c.registry)

	c.LinesRead = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "lines_read_total",
		Help:      "Total number of complete lines read from watched files",
	})

	c.BytesRead = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "bytes_read_total",
		Help:      "Total bytes consumed from watched files",
	})

	c.ReadErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "read_errors_total",
		Help:      "Total number of failed file reads",
	})

	c.Truncations = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "truncations_total",
		Help:      "Total number of files detected as truncated",
	})

	c.FilesTracked = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "files_tracked",
		Help:      "Number of files with a recorded read position",
	})

	c.WatchEvents = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Total number of change notifications by operation",
		},
		[]string{"op"},
	)
}

func (c *Collector) initBufferMetrics() {
	c.BufferLines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "lines",
			Help:      "Number of lines waiting for the next flush",
		},
	)
}

func (c *Collector) initSchedulerMetrics() {
	f := promauto.With(c.registry)

	c.Flushes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "flushes_total",
			Help:      "Total number of flushes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	c.BatchSize = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batch_lines",
		Help:      "Number of lines per drained batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 15), // 1 to 16k
	})

	c.LinesDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "lines_dropped_total",
		Help:      "Total number of lines lost to failed exports",
	})
}

func (c *Collector) initExporterMetrics() {
	f := promauto.With(c.registry)

	c.ExportDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "duration_seconds",
			Help:      "Time spent exporting one batch",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"exporter"},
	)

	c.ExportLines = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "lines_total",
			Help:      "Total number of lines handed to the sink by result",
		},
		[]string{"exporter", "result"},
	)

	c.ExportRetries = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "retries_total",
			Help:      "Total number of export retry attempts",
		},
		[]string{"exporter"},
	)
}

func (c *Collector) initCheckpointMetrics() {
	c.CheckpointSaves = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Total number of position file writes by result",
		},
		[]string{"result"},
	)
}

func (c *Collector) initDeadLetterMetrics() {
	f := promauto.With(c.registry)

	c.DeadLetterBatches = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dead_letter",
		Name:      "batches_total",
		Help:      "Total number of batches spilled to local disk",
	})

	c.DeadLetterLines = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dead_letter",
		Name:      "lines_total",
		Help:      "Total number of lines spilled to local disk",
	})
}

func (c *Collector) initCircuitBreakerMetrics() {
	f := promauto.With(c.registry)

	c.CircuitBreakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

func (c *Collector) initSystemMetrics() {
	f := promauto.With(c.registry)

	c.SystemGoroutines = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})

	c.SystemMemAlloc = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_allocated_bytes",
		Help:      "Bytes of allocated heap objects",
	})

	c.SystemGCPauses = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "gc_pause_seconds",
		Help:      "GC pause duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
	})
}

// Run samples runtime metrics every interval until ctx is done
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collectSystemMetrics()
	for {
		select {
		case <-ticker.C:
			c.collectSystemMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
