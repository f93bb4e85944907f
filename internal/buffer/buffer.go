package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// Buffer is an append-only collection of pending lines shared by the
// watcher (producer) and the flush scheduler (consumer).
//
// The threshold is a soft bound: it only decides when the buffer reports
// itself ready. Appends never block and nothing is ever dropped, so the
// buffer grows without limit while the sink is unavailable.
type Buffer struct {
	mu        sync.Mutex
	lines     []types.LogLine
	threshold int
	ready     chan struct{}
	now       func() time.Time
}

// New creates a buffer that reports ready once threshold lines are pending
func New(threshold int) *Buffer {
	if threshold <= 0 {
		threshold = 1
	}

	return &Buffer{
		lines:     make([]types.LogLine, 0, threshold),
		threshold: threshold,
		ready:     make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Append adds one line
func (b *Buffer) Append(line types.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.signalLocked()
}

// AppendAll adds lines in order under a single lock acquisition, so lines
// of one read are never interleaved with another producer's
func (b *Buffer) AppendAll(lines []types.LogLine) {
	if len(lines) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, lines...)
	b.signalLocked()
}

// signalLocked wakes the scheduler once the threshold is reached (must be
// called with lock held)
func (b *Buffer) signalLocked() {
	if len(b.lines) < b.threshold {
		return
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// ReadyToFlush reports whether pending lines reached the threshold
func (b *Buffer) ReadyToFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines) >= b.threshold
}

// Ready returns a channel that receives a value when the buffer crosses
// its threshold. It is advisory and does not drain anything.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Drain atomically swaps the pending lines for an empty slice and returns
// them as a batch. A line appended concurrently lands either in the
// returned batch or in the fresh buffer, never in both and never in neither.
func (b *Buffer) Drain() types.Batch {
	b.mu.Lock()
	lines := b.lines
	b.lines = make([]types.LogLine, 0, b.threshold)

	// Clear a stale wake-up, the lines it announced are in this batch
	select {
	case <-b.ready:
	default:
	}
	now := b.now()
	b.mu.Unlock()

	if len(lines) == 0 {
		return types.Batch{CreatedAt: now}
	}

	return types.Batch{
		ID:        uuid.NewString(),
		Lines:     lines,
		Size:      len(lines),
		CreatedAt: now,
	}
}

// Len returns the number of pending lines
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Threshold returns the configured batch size
func (b *Buffer) Threshold() int {
	return b.threshold
}
