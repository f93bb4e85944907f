package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/buffer"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/reader"
)

// Config describes the watched tree
type Config struct {
	Dir    string
	Suffix string
}

// Watcher turns change notifications into buffered lines. Events are
// handled one at a time on the Run goroutine, so a file is never read
// concurrently with itself and its lines reach the buffer in file order.
type Watcher struct {
	cfg     Config
	fs      afero.Fs
	source  Source
	store   checkpoint.Store
	reader  *reader.Reader
	buf     *buffer.Buffer
	metrics *metrics.Collector
	logger  *logging.Logger
}

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l.WithComponent("watcher") }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Watcher) { w.metrics = c }
}

// New creates a watcher. fs is used for the initial scan and must be the
// same file system the reader uses.
func New(cfg Config, fs afero.Fs, source Source, store checkpoint.Store, rd *reader.Reader, buf *buffer.Buffer, opts ...Option) *Watcher {
	w := &Watcher{
		cfg:     cfg,
		fs:      fs,
		source:  source,
		store:   store,
		reader:  rd,
		buf:     buf,
		metrics: metrics.NewCollector(),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run subscribes to the source, reads every existing matching file from its
// recorded offset, then handles change events until ctx is done. Only a
// failed subscription is returned as an error; per-file problems are logged.
func (w *Watcher) Run(ctx context.Context) error {
	// Subscribe before scanning so writes during the scan are not missed
	events, errs, err := w.source.Subscribe(ctx, w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.cfg.Dir, err)
	}

	w.logger.Info().
		Str("dir", w.cfg.Dir).
		Str("suffix", w.cfg.Suffix).
		Msg("Watching for log files")

	if err := w.scan(); err != nil {
		w.logger.Warn().Err(err).Msg("Initial scan incomplete")
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.metrics.WatchEvents.WithLabelValues(ev.Op.String()).Inc()
			w.handleEvent(ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ev ChangeEvent) {
	switch ev.Op {
	case OpCreate, OpWrite:
		if w.matches(ev.Path) {
			w.process(ev.Path)
		}
	case OpRemove, OpRename:
		// The position is kept. A file recreated under the same name only
		// restarts at 0 once it is seen shorter than the recorded offset.
		w.logger.Debug().Str("path", ev.Path).Str("op", ev.Op.String()).Msg("File went away")
	}
}

// scan processes files that already exist under the watched directory
func (w *Watcher) scan() error {
	var files []string
	err := afero.Walk(w.fs, w.cfg.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == w.cfg.Dir {
				return err
			}
			w.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
			return nil
		}
		if info.Mode().IsRegular() && w.hasSuffix(path) {
			files = append(files, path)
		}
		return nil
	})

	for _, path := range files {
		w.process(path)
	}

	w.logger.Info().Int("files", len(files)).Msg("Initial scan complete")
	return err
}

// process reads whatever was appended to path since its recorded offset
// and hands the lines to the buffer before advancing the offset
func (w *Watcher) process(path string) {
	from := w.store.Offset(path)

	res, err := w.reader.Read(path, from)
	if res.Truncated {
		w.metrics.Truncations.Inc()
		w.logger.Warn().
			Str("path", path).
			Uint64("previous_offset", from).
			Msg("File truncated, reading from start")
	}

	if len(res.Lines) > 0 {
		w.buf.AppendAll(res.Lines)
		w.metrics.LinesRead.Add(float64(len(res.Lines)))
		w.metrics.BufferLines.Set(float64(w.buf.Len()))
	}
	w.metrics.BytesRead.Add(float64(res.BytesRead))

	if res.Offset != from || res.Truncated {
		w.store.SetOffset(path, res.Offset)
		if counter, ok := w.store.(interface{ Len() int }); ok {
			w.metrics.FilesTracked.Set(float64(counter.Len()))
		}
		// A reset offset must reach disk before a restart could resume
		// from the stale, larger one.
		if saver, ok := w.store.(checkpoint.SaveRequester); ok && res.Truncated {
			saver.RequestSave()
		}
	}

	if err != nil {
		w.metrics.ReadErrors.Inc()
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to read file")
		return
	}

	if len(res.Lines) > 0 {
		w.logger.Debug().
			Str("path", path).
			Int("lines", len(res.Lines)).
			Str("bytes", humanize.Bytes(uint64(res.BytesRead))).
			Uint64("offset", res.Offset).
			Msg("Read new lines")
	}
}

// matches reports whether path is a regular file with the watched suffix
func (w *Watcher) matches(path string) bool {
	if !w.hasSuffix(path) {
		return false
	}
	fi, err := w.fs.Stat(path)
	if err != nil {
		// Let the reader surface the error
		return !os.IsNotExist(err)
	}
	return fi.Mode().IsRegular()
}

func (w *Watcher) hasSuffix(path string) bool {
	return strings.HasSuffix(filepath.Base(path), w.cfg.Suffix)
}
