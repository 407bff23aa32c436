// Package storage defines the Backing Store abstraction that holds spilled
// message payloads.
//
// The queue engine only talks to secondary storage through Store. A store is
// keyed by message ID and holds exactly one payload per key; it has no notion
// of ordering, which stays with the in-memory queue.
package storage

import (
	"errors"

	"github.com/snehjoshi/spillq/internal/msgid"
)

// Sentinel errors. Backends wrap them so callers can match with errors.Is
// regardless of the underlying cause.
var (
	// ErrNotFound is returned when no entry exists under the requested ID.
	ErrNotFound = errors.New("storage: not found")

	// ErrWriteFailed wraps any failure to persist an entry.
	ErrWriteFailed = errors.New("storage: write failed")

	// ErrReadFailed wraps any failure to load an existing entry.
	ErrReadFailed = errors.New("storage: read failed")

	// ErrDeleteFailed wraps any failure to remove an existing entry.
	ErrDeleteFailed = errors.New("storage: delete failed")

	// ErrCorrupted is returned when a stored entry fails its checksum.
	ErrCorrupted = errors.New("storage: entry corrupted")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("storage: closed")
)

// Store is durable, byte-oriented storage addressed by message ID.
//
// Implementations:
//   - local.Store  — one file per entry in a directory
//   - bolt.Store   — one key per entry in a bbolt database
//   - memory.Store — process memory (tests, development)
//
// All methods must be safe for concurrent use. Write overwrites an existing
// entry. Delete of a missing entry returns ErrNotFound.
type Store interface {
	// Write stores payload under id.
	Write(id msgid.ID, payload []byte) error

	// Read returns a copy of the payload stored under id.
	// Returns ErrNotFound if there is no such entry.
	Read(id msgid.ID) ([]byte, error)

	// Delete removes the entry stored under id.
	Delete(id msgid.ID) error

	// Sweep removes every entry and returns how many were removed.
	// Used at startup to discard entries left behind by an unclean stop.
	Sweep() (int, error)

	// Close releases file handles. Entries are not removed.
	Close() error
}
