package watcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
)

// PollSource detects changes by walking the tree on an interval and
// comparing size and modification time. It works on file systems where
// change notification is unavailable, such as network mounts.
type PollSource struct {
	fs       afero.Fs
	interval time.Duration
	logger   *logging.Logger
}

type fileState struct {
	size    int64
	modTime time.Time
}

// NewPollSource creates a polling source
func NewPollSource(fs afero.Fs, interval time.Duration, logger *logging.Logger) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollSource{
		fs:       fs,
		interval: interval,
		logger:   logger.WithComponent("poller"),
	}
}

// Subscribe implements Source
func (p *PollSource) Subscribe(ctx context.Context, dir string) (<-chan ChangeEvent, <-chan error, error) {
	if _, err := p.fs.Stat(dir); err != nil {
		return nil, nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	known, err := p.snapshot(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	events := make(chan ChangeEvent, eventBufferSize)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(events)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := p.snapshot(dir)
			if err != nil {
				select {
				case errs <- err:
				default:
					p.logger.Warn().Err(err).Msg("Poll failed")
				}
				continue
			}

			for _, ev := range diff(known, current) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			known = current
		}
	}()

	return events, errs, nil
}

func (p *PollSource) snapshot(dir string) (map[string]fileState, error) {
	state := make(map[string]fileState)
	err := afero.Walk(p.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if info.Mode().IsRegular() {
			state[path] = fileState{size: info.Size(), modTime: info.ModTime()}
		}
		return nil
	})
	return state, err
}

// diff compares two snapshots. Map iteration order is random, which is
// fine: each event names one file and files are independent.
func diff(before, after map[string]fileState) []ChangeEvent {
	var events []ChangeEvent
	for path, now := range after {
		prev, ok := before[path]
		switch {
		case !ok:
			events = append(events, ChangeEvent{Path: path, Op: OpCreate})
		case prev.size != now.size || !prev.modTime.Equal(now.modTime):
			events = append(events, ChangeEvent{Path: path, Op: OpWrite})
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			events = append(events, ChangeEvent{Path: path, Op: OpRemove})
		}
	}
	return events
}
