// Package memory provides an in-process storage.Store. It does not reduce
// memory usage and exists for development and tests, where it stands in for
// a disk-backed store without touching the filesystem.
package memory

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

// Store keeps payloads in a map guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	entries map[msgid.ID][]byte
	closed  bool
}

var _ storage.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[msgid.ID][]byte)}
}

// Write stores a copy of payload under id, replacing any existing entry.
func (s *Store) Write(id msgid.ID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory storage: write %s: %w", id, storage.ErrClosed)
	}
	s.entries[id] = bytes.Clone(payload)
	if s.entries[id] == nil {
		s.entries[id] = []byte{}
	}
	return nil
}

// Read returns a copy of the entry for id, or ErrNotFound.
func (s *Store) Read(id msgid.ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory storage: read %s: %w", id, storage.ErrClosed)
	}
	p, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("memory storage: read %s: %w", id, storage.ErrNotFound)
	}
	return bytes.Clone(p), nil
}

// Delete removes the entry for id. A missing entry is ErrNotFound.
func (s *Store) Delete(id msgid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory storage: delete %s: %w", id, storage.ErrClosed)
	}
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("memory storage: delete %s: %w", id, storage.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}

// Sweep removes every entry and returns how many there were.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("memory storage: sweep: %w", storage.ErrClosed)
	}
	n := len(s.entries)
	clear(s.entries)
	return n, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Has reports whether an entry exists under id.
func (s *Store) Has(id msgid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Close marks the store closed; later operations fail with ErrClosed.
// Entries are kept, so Len and Has still report them.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
