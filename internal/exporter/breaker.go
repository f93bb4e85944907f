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

type breakerExporter struct {
	next    Exporter
	cb      *reliability.CircuitBreaker
	metrics *metrics.Collector
}

// WithCircuitBreaker stops calling next after repeated failures. While the
// circuit is open batches fail immediately with a permanent error, so the
// retry layer does not spin on them.
func WithCircuitBreaker(next Exporter, cfg config.CircuitBreakerConfig, logger *logging.Logger, m *metrics.Collector) Exporter {
	log := logger.WithComponent("circuit_breaker")
	name := next.Name()

	b := &breakerExporter{next: next, metrics: m}
	b.cb = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Timeout:          cfg.Timeout,
		OnStateChange: func(from, to reliability.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn().
				Str("exporter", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(reliability.StateClosed))

	return b
}

func (b *breakerExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()

	var out types.ExportOutcome
	err := b.cb.Execute(func() error {
		out = b.next.Export(ctx, batch)
		if out.Success {
			return nil
		}
		return out.Err
	})
	b.metrics.CircuitBreakerConsecutive.WithLabelValues(b.next.Name()).Set(float64(b.cb.Counts().ConsecutiveFailures))

	if errors.Is(err, reliability.ErrCircuitOpen) || errors.Is(err, reliability.ErrTooManyRequests) {
		out = types.Failed(batch, reliability.Permanent(err), time.Since(start))
	}
	return out
}

func (b *breakerExporter) Name() string {
	return b.next.Name()
}

func (b *breakerExporter) Close() error {
	return b.next.Close()
}
