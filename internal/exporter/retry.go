package exporter

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

type retryExporter struct {
	next    Exporter
	config  reliability.RetryConfig
	logger  *logging.Logger
	metrics *metrics.Collector
}

// WithRetry re-sends a failed batch with exponential backoff. The same
// batch, ID included, is passed on every attempt.
func WithRetry(next Exporter, cfg config.RetryConfig, logger *logging.Logger, m *metrics.Collector) Exporter {
	return &retryExporter{
		next: next,
		config: reliability.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Multiplier:     cfg.Multiplier,
			Jitter:         cfg.Jitter,
		},
		logger:  logger.WithComponent("retry"),
		metrics: m,
	}
}

func (r *retryExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()
	name := r.next.Name()

	cfg := r.config
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.metrics.ExportRetries.WithLabelValues(name).Inc()
		r.logger.Warn().
			Err(err).
			Str("batch_id", batch.ID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Export failed, retrying")
	}

	var last types.ExportOutcome
	attempts, err := reliability.Retry(ctx, cfg, func(ctx context.Context) error {
		last = r.next.Export(ctx, batch)
		if last.Success {
			return nil
		}
		if last.Err == nil {
			return errors.New("export failed")
		}
		return last.Err
	})

	last.Attempts = attempts
	last.Duration = time.Since(start)
	if err != nil {
		last.Success = false
		last.Err = err
	}
	return last
}

func (r *retryExporter) Name() string {
	return r.next.Name()
}

func (r *retryExporter) Close() error {
	return r.next.Close()
}
