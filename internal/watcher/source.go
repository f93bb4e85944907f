package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
)

// Op is the kind of change a Source observed
type Op uint8

const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ChangeEvent reports that a path under the watched tree changed
type ChangeEvent struct {
	Path string
	Op   Op
}

// Source delivers change notifications for every file under dir. Both
// channels are closed once ctx is done.
type Source interface {
	Subscribe(ctx context.Context, dir string) (<-chan ChangeEvent, <-chan error, error)
}

const eventBufferSize = 256

// FSNotifySource watches a directory tree with fsnotify. fsnotify is not
// recursive, so every directory is added on its own, including
// directories created after the subscription started.
type FSNotifySource struct {
	logger *logging.Logger
}

// NewFSNotifySource creates a notification-backed source
func NewFSNotifySource(logger *logging.Logger) *FSNotifySource {
	return &FSNotifySource{logger: logger.WithComponent("fsnotify")}
}

// Subscribe implements Source
func (s *FSNotifySource) Subscribe(ctx context.Context, dir string) (<-chan ChangeEvent, <-chan error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if _, err := s.addTree(w, dir); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	events := make(chan ChangeEvent, eventBufferSize)
	errs := make(chan error, 1)

	go s.loop(ctx, w, events, errs)

	return events, errs, nil
}

func (s *FSNotifySource) loop(ctx context.Context, w *fsnotify.Watcher, events chan<- ChangeEvent, errs chan<- error) {
	defer close(errs)
	defer close(events)
	defer w.Close()

	emit := func(ev ChangeEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) && isDir(event.Name) {
				// Files may land in a new directory before it is watched,
				// report whatever is already there
				files, err := s.addTree(w, event.Name)
				if err != nil {
					s.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
				}
				for _, f := range files {
					if !emit(ChangeEvent{Path: f, Op: OpCreate}) {
						return
					}
				}
				continue
			}

			op, ok := translate(event.Op)
			if !ok {
				continue
			}
			if !emit(ChangeEvent{Path: event.Name, Op: op}) {
				return
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			default:
				s.logger.Error().Err(err).Msg("File watcher error")
			}
		}
	}
}

// addTree watches root and every directory below it, returning the
// regular files found on the way
func (s *FSNotifySource) addTree(w *fsnotify.Watcher, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
			return nil
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func translate(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpWrite, true
	case op.Has(fsnotify.Remove):
		return OpRemove, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	default:
		// Chmod
		return 0, false
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
