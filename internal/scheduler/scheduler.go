// Package scheduler drains the buffer into the exporter on an interval or
// as soon as the buffer fills up.
package scheduler

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/buffer"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/exporter"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Flush triggers
const (
	TriggerInterval = "interval"
	TriggerSize     = "size"
	TriggerShutdown = "shutdown"
)

// Config holds scheduler timing
type Config struct {
	FlushInterval   time.Duration
	ExportTimeout   time.Duration
	ShutdownTimeout time.Duration
}

// Scheduler owns the only consumer side of the buffer. Exports run one at a
// time on the Run goroutine and never under the buffer lock.
type Scheduler struct {
	config   Config
	buf      *buffer.Buffer
	exporter exporter.Exporter
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	onResult func(types.ExportOutcome)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracer used for flush spans
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithResultHook registers fn to observe every export outcome
func WithResultHook(fn func(types.ExportOutcome)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// New creates a scheduler
func New(cfg Config, buf *buffer.Buffer, exp exporter.Exporter, opts ...Option) *Scheduler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Scheduler{
		config:   cfg,
		buf:      buf,
		exporter: exp,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	s.logger = s.logger.WithComponent("scheduler")

	return s
}

// Run flushes on every tick and whenever the buffer reaches its threshold.
// When ctx is done it performs one final flush bounded by ShutdownTimeout.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.config.FlushInterval).
		Int("threshold", s.buf.Threshold()).
		Str("exporter", s.exporter.Name()).
		Msg("Flush scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.finalFlush(ctx)
			return nil

		case <-ticker.C:
			s.flush(ctx, TriggerInterval, s.config.ExportTimeout)

		case <-s.buf.Ready():
			// The signal may be stale if a tick drained first
			if s.buf.ReadyToFlush() {
				s.flush(ctx, TriggerSize, s.config.ExportTimeout)
			}
		}
	}
}

func (s *Scheduler) finalFlush(ctx context.Context) {
	pending := s.buf.Len()
	s.logger.Info().Int("pending", pending).Msg("Flushing remaining lines before shutdown")
	s.flush(ctx, TriggerShutdown, s.config.ShutdownTimeout)
}

// flush drains the buffer and exports the batch. Shutdown of ctx does not
// abort an export already in flight; only timeout does.
func (s *Scheduler) flush(ctx context.Context, trigger string, timeout time.Duration) {
	batch := s.buf.Drain()
	s.metrics.BufferLines.Set(float64(s.buf.Len()))
	if batch.Empty() {
		return
	}

	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	exportCtx, span := tracing.TraceFlush(exportCtx, s.tracer, trigger)
	out := s.exporter.Export(exportCtx, batch)
	tracing.EndWithError(span, out.Err)

	s.metrics.BatchSize.Observe(float64(len(batch.Lines)))
	s.record(batch, trigger, out)

	if s.onResult != nil {
		s.onResult(out)
	}
}

func (s *Scheduler) record(batch types.Batch, trigger string, out types.ExportOutcome) {
	log := s.logger.WithBatch(batch.ID, len(batch.Lines))

	if out.Success {
		s.metrics.Flushes.WithLabelValues(trigger, "success").Inc()
		log.Info().
			Str("trigger", trigger).
			Str("destination", out.Destination).
			Dur("took", out.Duration).
			Msg("Exported batch")
		return
	}

	s.metrics.Flushes.WithLabelValues(trigger, "failure").Inc()

	if !out.Dropped() {
		log.Warn().
			Err(out.Err).
			Str("spilled_to", out.SpilledTo).
			Msg("Export failed, batch kept in dead letter directory")
		return
	}

	s.metrics.LinesDropped.Add(float64(len(batch.Lines)))
	log.Error().
		Err(out.Err).
		Int("dropped", len(batch.Lines)).
		Int("attempts", out.Attempts).
		Str("destination", out.Destination).
		Msg("Export failed, batch dropped")
}
