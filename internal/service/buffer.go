package service

import (
	"sync"

	"github.com/sgerhart/siemflux/internal/model"
)

// Buffer holds collected entries between processing cycles. When it grows
// past capacity only the newest keep entries survive.
type Buffer struct {
	mu       sync.Mutex
	entries  []model.RawLogEntry
	capacity int
	keep     int
	dropped  int64
}

// NewBuffer creates a buffer; keep is clamped to [0, capacity]
func NewBuffer(capacity, keep int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	keep = max(0, min(keep, capacity))
	return &Buffer{capacity: capacity, keep: keep}
}

// Add appends entries and returns the buffered count
func (b *Buffer) Add(entries ...model.RawLogEntry) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entries...)
	if len(b.entries) > b.capacity {
		drop := len(b.entries) - b.keep
		b.dropped += int64(drop)
		kept := make([]model.RawLogEntry, b.keep)
		copy(kept, b.entries[drop:])
		b.entries = kept
	}
	return len(b.entries)
}

// Drain removes and returns everything buffered
func (b *Buffer) Drain() []model.RawLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// Len returns the number of buffered entries
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries overflow has discarded
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
