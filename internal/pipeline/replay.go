package pipeline

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/exporter"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
)

// ReplayResult summarizes one replay run
type ReplayResult struct {
	Batches int
	Lines   int
	Failed  int
}

// Replay re-exports every spilled batch, oldest first, through exp. A
// batch's file is removed once it is delivered; failures stay on disk for
// the next run.
func Replay(ctx context.Context, queue *dlq.Queue, exp exporter.Exporter, logger *logging.Logger) (ReplayResult, error) {
	var res ReplayResult

	files, err := queue.List()
	if err != nil {
		return res, err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := queue.Read(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable spill file")
			res.Failed++
			continue
		}

		out := exp.Export(ctx, batch)
		if !out.Success {
			logger.Warn().Err(out.Err).Str("path", path).Str("batch_id", batch.ID).Msg("Replay failed")
			res.Failed++
			continue
		}

		if err := queue.Remove(path); err != nil {
			return res, fmt.Errorf("batch %s delivered but spill file not removed: %w", batch.ID, err)
		}
		res.Batches++
		res.Lines += len(batch.Lines)
		logger.Info().Str("batch_id", batch.ID).Int("lines", len(batch.Lines)).Msg("Replayed batch")
	}

	return res, nil
}

// ReplayDeadLetters opens the configured dead letter directory and replays
// it through the configured exporter. Replayed batches are not spilled again.
func ReplayDeadLetters(ctx context.Context, cfg *config.Config, fs afero.Fs, logger *logging.Logger) (ReplayResult, error) {
	queue, err := dlq.New(fs, dlq.Config{Dir: cfg.DeadLetter.Dir})
	if err != nil {
		return ReplayResult{}, err
	}

	noSpill := *cfg
	noSpill.DeadLetter.Enabled = false

	exp, err := exporter.Build(ctx, &noSpill, exporter.Options{Logger: logger})
	if err != nil {
		return ReplayResult{}, err
	}
	defer exp.Close()

	return Replay(ctx, queue, exp, logger)
}
