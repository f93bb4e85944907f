// Package pipeline wires the watcher, buffer, scheduler and exporter into
// one running process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/buffer"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/exporter"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/health"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/reader"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/server"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/watcher"
	"golang.org/x/sync/errgroup"
)

const systemMetricsInterval = 15 * time.Second

var errWatcherStopped = errors.New("watcher stopped: change source closed")

// Pipeline is one configured exporter process
type Pipeline struct {
	cfg     *config.Config
	version string
	fs      afero.Fs
	logger  *logging.Logger
	metrics *metrics.Collector

	// overrides used by tests
	backend exporter.Exporter
	source  watcher.Source

	buf *buffer.Buffer
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithFs replaces the OS file system
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// WithBackend uses backend instead of building one from the export config.
// Decorators are still applied.
func WithBackend(backend exporter.Exporter) Option {
	return func(p *Pipeline) { p.backend = backend }
}

// WithSource replaces the change source chosen by watch.mode
func WithSource(src watcher.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithVersion sets the version reported on traces
func WithVersion(v string) Option {
	return func(p *Pipeline) { p.version = v }
}

// New creates a pipeline for cfg
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Nop()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewCollector()
	}
	p.buf = buffer.New(cfg.Batch.Size)
	return p
}

// Run builds every component and runs until ctx is done. Configuration of
// the sink is checked before the watcher starts, so a provisioning failure
// returns without reading any file.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := p.cfg
	logger := p.logger

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    p.version,
	})
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	stopper := shutdown.New(shutdown.Config{Timeout: cfg.ShutdownTimeout, Logger: logger})
	stopper.Register("tracing", tp.Shutdown)

	var spill *dlq.Queue
	if cfg.DeadLetter.Enabled {
		spill, err = dlq.New(p.fs, dlq.Config{Dir: cfg.DeadLetter.Dir, MaxBatches: cfg.DeadLetter.MaxBatches})
		if err != nil {
			stopper.Shutdown()
			return fmt.Errorf("failed to open dead letter directory: %w", err)
		}
	}

	exp, err := p.exporter(ctx, exporter.Options{
		Logger:     logger,
		Metrics:    p.metrics,
		Tracer:     tp.Tracer(),
		DeadLetter: spill,
	})
	if err != nil {
		stopper.Shutdown()
		return err
	}
	stopper.Register("exporter", func(context.Context) error { return exp.Close() })

	store, ckpt, err := p.positionStore()
	if err != nil {
		stopper.Shutdown()
		return err
	}

	tracker := health.NewExportTracker(cfg.Health.FailureThreshold)
	checker := health.NewChecker(5 * time.Second)
	checker.SetMetrics(p.metrics)
	checker.Register("exporter", tracker.Check)
	checker.Register("buffer", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		return health.StatusHealthy, "", map[string]interface{}{"pending_lines": p.buf.Len()}
	}))

	w := watcher.New(
		watcher.Config{Dir: cfg.Watch.Path, Suffix: cfg.Watch.Suffix},
		p.fs,
		p.changeSource(),
		store,
		reader.New(p.fs, reader.WithMaxLineBytes(cfg.Watch.MaxLineBytes)),
		p.buf,
		watcher.WithLogger(logger),
		watcher.WithMetrics(p.metrics),
	)

	sched := scheduler.New(
		scheduler.Config{
			FlushInterval:   cfg.Batch.FlushInterval,
			ExportTimeout:   cfg.Export.Timeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		},
		p.buf,
		exp,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(p.metrics),
		scheduler.WithTracer(tp.Tracer()),
		scheduler.WithResultHook(tracker.Observe),
	)

	srv := p.opsServer(checker)

	logger.Info().
		Str("path", cfg.Watch.Path).
		Str("suffix", cfg.Watch.Suffix).
		Str("mode", cfg.Watch.Mode).
		Str("destination", cfg.Export.Destination()).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Starting log exporter")

	g, gctx := errgroup.WithContext(ctx)

	// The scheduler and checkpoint manager outlive the watcher, so the final
	// flush and the final save see everything the watcher managed to read.
	watcherDone := make(chan struct{})
	tailCtx, stopTail := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTail()

	g.Go(func() error {
		defer close(watcherDone)
		if err := w.Run(gctx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		if gctx.Err() == nil {
			return errWatcherStopped
		}
		return nil
	})
	g.Go(func() error {
		<-watcherDone
		stopTail()
		return nil
	})
	g.Go(func() error {
		return sched.Run(tailCtx)
	})
	if ckpt != nil {
		g.Go(func() error {
			return ckpt.Run(tailCtx)
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return p.metrics.Run(gctx, systemMetricsInterval)
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	stopErr := stopper.Shutdown()

	logger.Info().Int("pending_lines", p.buf.Len()).Msg("Log exporter stopped")

	return errors.Join(runErr, stopErr)
}

func (p *Pipeline) exporter(ctx context.Context, opts exporter.Options) (exporter.Exporter, error) {
	if p.backend != nil {
		return exporter.Wrap(p.backend, p.cfg, opts), nil
	}
	return exporter.Build(ctx, p.cfg, opts)
}

// positionStore returns the durable checkpoint manager when enabled, else
// an in-memory store
func (p *Pipeline) positionStore() (checkpoint.Store, *checkpoint.Manager, error) {
	if !p.cfg.Checkpoint.Enabled {
		return checkpoint.NewMemoryStore(), nil, nil
	}

	mgr, err := checkpoint.NewManager(p.fs, p.cfg.Checkpoint.Dir, p.cfg.Checkpoint.Interval, p.logger)
	if err != nil {
		return nil, nil, err
	}
	mgr.SetMetrics(p.metrics)

	if err := mgr.Load(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
	}
	return mgr, mgr, nil
}

func (p *Pipeline) changeSource() watcher.Source {
	if p.source != nil {
		return p.source
	}
	if p.cfg.Watch.Mode == config.WatchModePoll {
		return watcher.NewPollSource(p.fs, p.cfg.Watch.PollInterval, p.logger)
	}
	return watcher.NewFSNotifySource(p.logger)
}

func (p *Pipeline) opsServer(checker *health.Checker) *server.Server {
	cfg := server.Config{Logger: p.logger}
	if p.cfg.Metrics.Enabled {
		cfg.MetricsAddress = p.cfg.Metrics.Address
		cfg.MetricsPath = p.cfg.Metrics.Path
		cfg.MetricsRegistry = p.metrics.Registry()
		cfg.EnablePprof = p.cfg.Metrics.Pprof
	}
	if p.cfg.Health.Enabled {
		cfg.HealthAddress = p.cfg.Health.Address
		cfg.HealthChecker = checker
	}
	return server.New(cfg)
}

// Buffer exposes the pending-line buffer
func (p *Pipeline) Buffer() *buffer.Buffer {
	return p.buf
}
