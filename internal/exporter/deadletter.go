package exporter

import (
	"context"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

type deadLetterExporter struct {
	next    Exporter
	queue   *dlq.Queue
	logger  *logging.Logger
	metrics *metrics.Collector
}

// WithDeadLetter spills batches that next failed to deliver into queue.
// The outcome stays a failure; SpilledTo records where the lines went.
func WithDeadLetter(next Exporter, queue *dlq.Queue, logger *logging.Logger, m *metrics.Collector) Exporter {
	return &deadLetterExporter{
		next:    next,
		queue:   queue,
		logger:  logger.WithComponent("dead_letter"),
		metrics: m,
	}
}

func (d *deadLetterExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	out := d.next.Export(ctx, batch)
	if out.Success || batch.Empty() {
		return out
	}

	path, err := d.queue.Write(batch, out)
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("batch_id", batch.ID).
			Int("lines", len(batch.Lines)).
			Msg("Failed to spill batch to dead letter directory")
		return out
	}

	d.metrics.DeadLetterBatches.Inc()
	d.metrics.DeadLetterLines.Add(float64(len(batch.Lines)))
	d.logger.Warn().
		AnErr("export_error", out.Err).
		Str("batch_id", batch.ID).
		Str("path", path).
		Msg("Batch spilled to dead letter directory")

	out.SpilledTo = path
	return out
}

func (d *deadLetterExporter) Name() string {
	return d.next.Name()
}

func (d *deadLetterExporter) Close() error {
	return d.next.Close()
}
