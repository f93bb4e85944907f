// Package reader turns newly appended bytes of a log file into complete
// lines. Progress is only ever measured in whole lines: a trailing fragment
// without a newline is left on disk for the next read.
package reader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

const readBufferSize = 64 * 1024

// Result is the outcome of one incremental read
type Result struct {
	// Lines holds complete lines in file order, without line terminators
	Lines []string

	// Offset is the position just past the last consumed newline
	Offset uint64

	// Truncated is set when the file shrank below the requested offset and
	// reading restarted from the beginning
	Truncated bool

	// BytesRead counts consumed bytes, including skipped blank lines
	BytesRead int
}

// Reader reads appended lines from files on an afero file system
type Reader struct {
	fs           afero.Fs
	maxLineBytes int
}

// Option configures a Reader
type Option func(*Reader)

// WithMaxLineBytes emits a line that grows past n bytes without a newline
// as a chunk of its own, so one runaway line cannot hold unbounded memory.
// Zero disables the limit.
func WithMaxLineBytes(n int) Option {
	return func(r *Reader) {
		r.maxLineBytes = n
	}
}

// New creates a Reader
func New(fs afero.Fs, opts ...Option) *Reader {
	r := &Reader{fs: fs}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the complete lines appended to path since from.
//
// If the file cannot be opened the result carries no lines and the offset
// is left at from. If reading fails midway, the lines consumed so far and
// their offset are still returned alongside the error.
func (r *Reader) Read(path string, from uint64) (Result, error) {
	res := Result{Offset: from}

	f, err := r.fs.Open(path)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := uint64(stat.Size())
	if size < from {
		res.Truncated = true
		res.Offset = 0
	}
	if size == res.Offset {
		return res, nil
	}

	if _, err := f.Seek(int64(res.Offset), io.SeekStart); err != nil {
		return res, fmt.Errorf("failed to seek %s to %d: %w", path, res.Offset, err)
	}

	br := bufio.NewReaderSize(f, readBufferSize)
	var pending []byte

	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			pending = r.splitLong(&res, append(pending, chunk...), true)
			r.consume(&res, pending)
			pending = pending[:0]

		case errors.Is(err, bufio.ErrBufferFull):
			pending = r.splitLong(&res, append(pending, chunk...), false)

		case errors.Is(err, io.EOF):
			// Whatever is left in chunk/pending is an in-progress line
			return res, nil

		default:
			return res, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}

// splitLong emits maxLineBytes-sized pieces from the front of pending while
// the line content is over the limit, and returns the rest. The terminator
// of a complete line does not count towards the limit.
func (r *Reader) splitLong(res *Result, pending []byte, terminated bool) []byte {
	if r.maxLineBytes <= 0 {
		return pending
	}
	n := len(pending)
	if terminated {
		n = len(bytes.TrimRight(pending, "\r\n"))
	}
	for n > r.maxLineBytes {
		r.consume(res, pending[:r.maxLineBytes])
		pending = pending[r.maxLineBytes:]
		n -= r.maxLineBytes
	}
	return pending
}

// consume advances the offset past raw and records it as a line unless it
// is blank
func (r *Reader) consume(res *Result, raw []byte) {
	res.Offset += uint64(len(raw))
	res.BytesRead += len(raw)

	line := strings.TrimRight(string(raw), "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	res.Lines = append(res.Lines, line)
}
