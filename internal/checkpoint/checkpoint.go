package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

const positionsFile = "positions.json"

// Manager is a Store that persists offsets to a JSON sidecar file so a
// restart resumes where the previous process stopped
type Manager struct {
	mu        sync.RWMutex
	fs        afero.Fs
	dir       string
	positions map[string]*types.FilePosition
	dirty     bool
	interval  time.Duration
	saveCh    chan struct{}
	logger    *logging.Logger
	metrics   *metrics.Collector
}

// NewManager creates a new checkpoint manager rooted at dir
func NewManager(fs afero.Fs, dir string, interval time.Duration, logger *logging.Logger) (*Manager, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Manager{
		fs:        fs,
		dir:       dir,
		positions: make(map[string]*types.FilePosition),
		interval:  interval,
		saveCh:    make(chan struct{}, 1),
		logger:    logger.WithComponent("checkpoint"),
	}, nil
}

// Offset implements Store
func (m *Manager) Offset(path string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos, ok := m.positions[path]; ok {
		return pos.Offset
	}
	return 0
}

// SetOffset implements Store
func (m *Manager) SetOffset(path string, offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[path]
	if !ok {
		pos = &types.FilePosition{Path: path}
		m.positions[path] = pos
	}
	if pos.Offset != offset {
		pos.Offset = offset
		m.dirty = true
	}
}

// Position returns a copy of the recorded position for path
func (m *Manager) Position(path string) (types.FilePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[path]
	if !ok {
		return types.FilePosition{}, false
	}
	return *pos, true
}

// SetMetrics records save results on c
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

// Len returns the number of tracked files
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// RequestSave asks the run loop to persist as soon as possible. Requests
// made while a save is pending are coalesced.
func (m *Manager) RequestSave() {
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// Load reads positions from disk. Entries whose file has disappeared are
// dropped, and entries whose file now has a different inode restart at 0.
func (m *Manager) Load() error {
	data, err := afero.ReadFile(m.fs, filepath.Join(m.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var positions map[string]*types.FilePosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}
	if positions == nil {
		positions = make(map[string]*types.FilePosition)
	}

	for path, pos := range positions {
		if pos == nil {
			delete(positions, path)
			continue
		}
		fi, err := m.fs.Stat(path)
		if err != nil {
			m.logger.Debug().Str("path", path).Msg("Dropping checkpoint for missing file")
			delete(positions, path)
			continue
		}
		if inode := inodeOf(fi); pos.Inode != 0 && inode != 0 && inode != pos.Inode {
			m.logger.Info().
				Str("path", path).
				Uint64("old_inode", pos.Inode).
				Uint64("inode", inode).
				Msg("File replaced since last run, restarting from offset 0")
			pos.Offset = 0
			pos.Inode = inode
		}
		pos.Path = path
	}

	m.mu.Lock()
	m.positions = positions
	m.mu.Unlock()

	m.logger.Info().Int("files", len(positions)).Msg("Loaded checkpoints")
	return nil
}

// Save writes positions to disk atomically. A failed save leaves the
// manager dirty so the next tick tries again.
func (m *Manager) Save() error {
	m.mu.Lock()
	snapshot := make(map[string]*types.FilePosition, len(m.positions))
	for path, pos := range m.positions {
		p := *pos
		snapshot[path] = &p
	}
	m.dirty = false
	m.mu.Unlock()

	for path, pos := range snapshot {
		if fi, err := m.fs.Stat(path); err == nil {
			pos.Inode = inodeOf(fi)
		}
	}

	if err := m.write(snapshot); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) write(snapshot map[string]*types.FilePosition) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	checkpointFile := filepath.Join(m.dir, positionsFile)
	tmpFile := checkpointFile + ".tmp"
	if err := afero.WriteFile(m.fs, tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := m.fs.Rename(tmpFile, checkpointFile); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

// Run saves periodically until ctx is done, then performs a final save
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.saveIfDirty()
		case <-m.saveCh:
			m.saveIfDirty()
		case <-ctx.Done():
			if err := m.save(); err != nil {
				return fmt.Errorf("final checkpoint save: %w", err)
			}
			m.logger.Info().Msg("Checkpoints saved")
			return nil
		}
	}
}

func (m *Manager) saveIfDirty() {
	m.mu.RLock()
	dirty := m.dirty
	m.mu.RUnlock()

	if !dirty {
		return
	}
	if err := m.save(); err != nil {
		// Log error but don't stop
		m.logger.Error().Err(err).Msg("Failed to save checkpoint")
	}
}

func (m *Manager) save() error {
	err := m.Save()
	if m.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.metrics.CheckpointSaves.WithLabelValues(result).Inc()
	}
	return err
}
