// Package bolt provides a storage.Store backed by a single bbolt database.
//
// bbolt suits the spill tier because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID: an entry is either fully committed or absent after a crash
//   - Single file (spill.db inside the storage directory)
//
// Every spilled payload is one key in the "spill" bucket; the key is the
// message ID and the value is the framed payload.
package bolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

// FileName is the database file created inside the storage directory.
const FileName = "spill.db"

var bucketSpill = []byte("spill")

// errMissing lets a bbolt transaction report a missing key without aborting
// on an unrelated error path.
var errMissing = errors.New("missing")

// Store is the bbolt implementation of storage.Store.
// bbolt serialises writers internally; all methods are safe for concurrent use.
type Store struct {
	db *bbolt.DB

	mu     sync.RWMutex
	closed bool
}

// Ensure Store satisfies the interface at compile time.
var _ storage.Store = (*Store)(nil)

// Open opens (or creates) dir/spill.db. noSync disables fsync on commit,
// trading crash durability of spilled entries for write throughput.
func Open(dir string, noSync bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt storage: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName)
	// A bounded timeout so a second process on the same file fails fast
	// instead of blocking forever on the file lock.
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("bolt storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpill)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt storage: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string { return s.db.Path() }

// Write upserts the framed payload for id.
func (s *Store) Write(id msgid.ID, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("bolt storage: write %s: %w", id, storage.ErrClosed)
	}

	frame := storage.EncodeFrame(payload)
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpill).Put([]byte(id), frame)
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", storage.ErrWriteFailed, id, err)
	}
	return nil
}

// Read returns the payload for id. The value is decoded (and so copied)
// inside the transaction because bbolt memory is only valid until it ends.
func (s *Store) Read(id msgid.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("bolt storage: read %s: %w", id, storage.ErrClosed)
	}

	var payload []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSpill).Get([]byte(id))
		if val == nil {
			return errMissing
		}
		var err error
		payload, err = storage.DecodeFrame(val)
		return err
	})
	switch {
	case errors.Is(err, errMissing):
		return nil, fmt.Errorf("bolt storage: read %s: %w", id, storage.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrReadFailed, id, err)
	}
	return payload, nil
}

// Delete removes the key for id.
func (s *Store) Delete(id msgid.ID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("bolt storage: delete %s: %w", id, storage.ErrClosed)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpill)
		if b.Get([]byte(id)) == nil {
			return errMissing
		}
		return b.Delete([]byte(id))
	})
	switch {
	case errors.Is(err, errMissing):
		return fmt.Errorf("bolt storage: delete %s: %w", id, storage.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%w: %s: %w", storage.ErrDeleteFailed, id, err)
	}
	return nil
}

// Sweep drops and recreates the bucket in one transaction.
func (s *Store) Sweep() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("bolt storage: sweep: %w", storage.ErrClosed)
	}

	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketSpill).Stats().KeyN
		if err := tx.DeleteBucket(bucketSpill); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketSpill)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %w", storage.ErrDeleteFailed, err)
	}
	return n, nil
}

// Close closes the underlying database. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("bolt storage: close: %w", err)
	}
	return nil
}
