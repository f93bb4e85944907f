package types

import "time"

// LogLine is one unit of buffered content. It carries no metadata; sinks
// wrap it at export time.
type LogLine = string

// FilePosition tracks read progress into one watched file
type FilePosition struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Inode  uint64 `json:"inode,omitempty"`
}

// Batch is an ordered group of lines drained from the buffer. It is handed
// to exactly one exporter call and never mutated afterwards.
type Batch struct {
	ID        string    `json:"id"`
	Lines     []LogLine `json:"lines"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Empty reports whether the batch carries no lines
func (b Batch) Empty() bool {
	return len(b.Lines) == 0
}

// ExportOutcome describes the result of one exporter invocation
type ExportOutcome struct {
	Attempted   int           `json:"attempted"`
	Success     bool          `json:"success"`
	Err         error         `json:"-"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Destination string        `json:"destination,omitempty"`
	// SpilledTo names the dead letter file holding the batch, if any
	SpilledTo   string        `json:"spilled_to,omitempty"`
}

// Dropped reports whether the batch's lines are lost
func (o ExportOutcome) Dropped() bool {
	return !o.Success && o.SpilledTo == ""
}

// Succeeded builds a successful outcome for a batch
func Succeeded(batch Batch, destination string, took time.Duration) ExportOutcome {
	return ExportOutcome{
		Attempted:   len(batch.Lines),
		Success:     true,
		Attempts:    1,
		Duration:    took,
		Destination: destination,
	}
}

// Failed builds a failed outcome for a batch
func Failed(batch Batch, err error, took time.Duration) ExportOutcome {
	return ExportOutcome{
		Attempted: len(batch.Lines),
		Err:       err,
		Attempts:  1,
		Duration:  took,
	}
}
