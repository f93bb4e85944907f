// Package exporter ships drained batches to a remote sink. Backends talk to
// one service each; decorators add retries, a circuit breaker, dead-letter
// spilling and instrumentation around any backend.
package exporter

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter transmits one batch per call. Export never panics on sink
// failure; the error is reported in the outcome.
type Exporter interface {
	Export(ctx context.Context, batch types.Batch) types.ExportOutcome
	Name() string
	Close() error
}

// Provisioner is implemented by backends that need one-time setup, such as
// creating the destination, before the first export
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Options carries the collaborators shared by the export chain
type Options struct {
	Logger     *logging.Logger
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	DeadLetter *dlq.Queue
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewCollector()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("")
	}
}

// NewBackend creates the client for the backend named by cfg.Type
func NewBackend(ctx context.Context, cfg config.ExportConfig, logger *logging.Logger) (Exporter, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	destination := cfg.Destination()

	switch cfg.Type {
	case config.BackendS3:
		client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3(cfg.S3, client, destination, logger)

	case config.BackendCloudWatch:
		client, err := newCloudWatchClient(ctx, cfg.CloudWatch)
		if err != nil {
			return nil, err
		}
		return NewCloudWatch(cfg.CloudWatch, client, destination, logger), nil

	case config.BackendKafka:
		producer, err := newKafkaProducer(cfg.Kafka, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return NewKafka(cfg.Kafka, producer, destination, logger), nil

	case config.BackendElasticsearch:
		client, err := newElasticsearchClient(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		return NewElasticsearch(cfg.Elasticsearch, client, destination, logger), nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Type)
	}
}

// Build creates and provisions the configured backend and wraps it in the
// decorators enabled by cfg
func Build(ctx context.Context, cfg *config.Config, opts Options) (Exporter, error) {
	opts.applyDefaults()

	backend, err := NewBackend(ctx, cfg.Export, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Export.Type, err)
	}

	if p, ok := backend.(Provisioner); ok {
		if err := p.Provision(ctx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to provision %s: %w", cfg.Export.Destination(), err)
		}
	}

	return Wrap(backend, cfg, opts), nil
}

// Wrap applies the decorators enabled by cfg. From the outside in: spans
// and metrics, dead-letter spill, retries, circuit breaker, backend.
func Wrap(backend Exporter, cfg *config.Config, opts Options) Exporter {
	opts.applyDefaults()

	e := backend
	if cfg.Reliability.CircuitBreaker.Enabled {
		e = WithCircuitBreaker(e, cfg.Reliability.CircuitBreaker, opts.Logger, opts.Metrics)
	}
	if cfg.Reliability.Retry.MaxRetries > 0 {
		e = WithRetry(e, cfg.Reliability.Retry, opts.Logger, opts.Metrics)
	}
	if cfg.DeadLetter.Enabled && opts.DeadLetter != nil {
		e = WithDeadLetter(e, opts.DeadLetter, opts.Logger, opts.Metrics)
	}
	return Instrument(e, opts.Tracer, opts.Metrics)
}
