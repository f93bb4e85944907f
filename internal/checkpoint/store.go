package checkpoint

import (
	"sync"
)

// Store tracks, per watched file, the byte offset just past the last line
// handed to the buffer
type Store interface {
	// Offset returns the recorded offset for path, or 0 if unknown
	Offset(path string) uint64

	// SetOffset records a new offset for path
	SetOffset(path string, offset uint64)
}

// SaveRequester is implemented by stores that persist offsets on a schedule
// and can be asked to persist early
type SaveRequester interface {
	RequestSave()
}

// MemoryStore keeps offsets for the lifetime of the process
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[string]uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]uint64)}
}

// Offset implements Store
func (s *MemoryStore) Offset(path string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[path]
}

// SetOffset implements Store
func (s *MemoryStore) SetOffset(path string, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[path] = offset
}

// Len returns the number of tracked files
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}
