package exporter

import (
	"context"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type instrumentedExporter struct {
	next    Exporter
	tracer  trace.Tracer
	metrics *metrics.Collector
}

// Instrument records a span, the duration, and the line count of every export
func Instrument(next Exporter, tracer trace.Tracer, m *metrics.Collector) Exporter {
	return &instrumentedExporter{next: next, tracer: tracer, metrics: m}
}

func (i *instrumentedExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	name := i.next.Name()
	ctx, span := tracing.TraceExport(ctx, i.tracer, name, batch.ID, len(batch.Lines))

	out := i.next.Export(ctx, batch)

	span.SetAttributes(attribute.Int("export.attempts", out.Attempts))
	if out.SpilledTo != "" {
		span.SetAttributes(attribute.String("export.spilled_to", out.SpilledTo))
	}
	tracing.EndWithError(span, out.Err)

	result := "success"
	if !out.Success {
		result = "failure"
	}
	i.metrics.ExportDuration.WithLabelValues(name).Observe(out.Duration.Seconds())
	i.metrics.ExportLines.WithLabelValues(name, result).Add(float64(out.Attempted))

	return out
}

func (i *instrumentedExporter) Name() string {
	return i.next.Name()
}

func (i *instrumentedExporter) Close() error {
	return i.next.Close()
}
