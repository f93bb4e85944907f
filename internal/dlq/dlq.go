package dlq

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

var (
	ErrDLQFull = errors.New("dead letter directory is full")
)

const fileSuffix = ".ndjson"

// Config holds configuration for the dead letter directory
type Config struct {
	Dir        string
	MaxBatches int // 0 means unlimited
}

// Record is one line of a spill file. Every record repeats the batch
// metadata so a single line is self-describing when grepped.
type Record struct {
	BatchID     string    `json:"batch_id"`
	Destination string    `json:"destination"`
	FailedAt    time.Time `json:"failed_at"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	Line        string    `json:"line"`
}

// Queue spills batches that could not be exported to local files, one
// file per batch, so they can be inspected or replayed later
type Queue struct {
	fs     afero.Fs
	config Config

	mu    sync.Mutex
	count int
	now   func() time.Time
}

// New creates the dead letter directory if needed and counts existing spills
func New(fs afero.Fs, config Config) (*Queue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("dead letter directory is required")
	}

	if err := fs.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	q := &Queue{fs: fs, config: config, now: time.Now}

	files, err := q.List()
	if err != nil {
		return nil, err
	}
	q.count = len(files)

	return q, nil
}

// Write spills the outcome's batch and returns the file it wrote
func (q *Queue) Write(batch types.Batch, outcome types.ExportOutcome) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxBatches > 0 && q.count >= q.config.MaxBatches {
		return "", ErrDLQFull
	}

	failedAt := q.now().UTC()
	cause := ""
	if outcome.Err != nil {
		cause = outcome.Err.Error()
	}

	name := fmt.Sprintf("%s-%s%s", failedAt.Format("20060102T150405.000000000Z"), batch.ID, fileSuffix)
	path := filepath.Join(q.config.Dir, name)
	tmp := path + ".tmp"

	f, err := q.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create spill file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, line := range batch.Lines {
		rec := Record{
			BatchID:     batch.ID,
			Destination: outcome.Destination,
			FailedAt:    failedAt,
			Attempts:    outcome.Attempts,
			Error:       cause,
			Line:        line,
		}
		if err := enc.Encode(&rec); err != nil {
			f.Close()
			q.fs.Remove(tmp)
			return "", fmt.Errorf("failed to encode record: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		q.fs.Remove(tmp)
		return "", fmt.Errorf("failed to write spill file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		q.fs.Remove(tmp)
		return "", fmt.Errorf("failed to sync spill file: %w", err)
	}
	f.Close()

	if err := q.fs.Rename(tmp, path); err != nil {
		q.fs.Remove(tmp)
		return "", fmt.Errorf("failed to rename spill file: %w", err)
	}

	q.count++
	return path, nil
}

// List returns spill files, oldest first
func (q *Queue) List() ([]string, error) {
	entries, err := afero.ReadDir(q.fs, q.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			files = append(files, filepath.Join(q.config.Dir, e.Name()))
		}
	}
	// Names start with a sortable UTC timestamp
	sort.Strings(files)
	return files, nil
}

// Read loads a spill file back into a batch
func (q *Queue) Read(path string) (types.Batch, error) {
	f, err := q.fs.Open(path)
	if err != nil {
		return types.Batch{}, fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	var batch types.Batch
	dec := json.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return types.Batch{}, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if batch.ID == "" {
			batch.ID = rec.BatchID
			batch.CreatedAt = rec.FailedAt
		}
		batch.Lines = append(batch.Lines, rec.Line)
	}
	batch.Size = len(batch.Lines)

	return batch, nil
}

// Remove deletes a spill file once its batch has been delivered
func (q *Queue) Remove(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove spill file: %w", err)
	}
	if q.count > 0 {
		q.count--
	}
	return nil
}

// Size returns the number of spilled batches
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
