package config

import (
	"sort"
	"sync"
)

// StatusSink receives the lock status a synchronizer publishes into its
// named status cell.
type StatusSink interface {
	PublishLock(cell string, locked bool)
}

// StatusBoard is an in-memory StatusSink holding the latest value of every
// cell, plus a count of writes for diagnostics.
type StatusBoard struct {
	mu     sync.RWMutex
	values map[string]bool
	writes map[string]int
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		values: make(map[string]bool),
		writes: make(map[string]int),
	}
}

// PublishLock implements StatusSink.
func (b *StatusBoard) PublishLock(cell string, locked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[cell] = locked
	b.writes[cell]++
}

// Value returns the last published value of cell and whether it was ever
// written.
func (b *StatusBoard) Value(cell string) (locked, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	locked, ok = b.values[cell]
	return locked, ok
}

// Writes returns how many times cell was written.
func (b *StatusBoard) Writes(cell string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes[cell]
}

// Cells returns the written cell names in sorted order.
func (b *StatusBoard) Cells() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.values))
	for n := range b.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MultiSink fans a publish out to several sinks in order.
type MultiSink []StatusSink

// PublishLock implements StatusSink.
func (m MultiSink) PublishLock(cell string, locked bool) {
	for _, s := range m {
		if s != nil {
			s.PublishLock(cell, locked)
		}
	}
}
