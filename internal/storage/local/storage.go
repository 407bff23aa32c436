// Package local provides a disk-backed storage.Store that keeps every spilled
// payload in its own file, named after the message ID:
//
//	<dir>/<ULID>.spill
//
// Writes go to a temporary file in the same directory and are renamed into
// place, so a crash mid-write never leaves a half-written entry under a live
// name. Payloads are framed with a CRC32 (see storage.EncodeFrame).
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

const (
	entryExt = ".spill"
	tmpExt   = ".tmp"
)

// FsyncPolicy controls when writes are flushed to physical disk.
// Values mirror config.Storage.Fsync so the server can pass them straight through.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync every entry and the directory (safest)
	FsyncNever  FsyncPolicy = "never"  // leave flushing to the OS (fastest)
)

// Config holds options that tune Store behaviour.
type Config struct {
	Fsync FsyncPolicy
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{Fsync: FsyncAlways}
}

// Store is the file-per-entry implementation of storage.Store.
// All methods are safe for concurrent use; distinct IDs never share a file,
// so the mutex only guards the closed flag against in-flight operations.
type Store struct {
	dir string
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// Ensure Store satisfies the interface at compile time.
var _ storage.Store = (*Store)(nil)

// Open creates dir if needed and returns a Store rooted there.
// The variadic Config keeps the common call site Open(dir) short.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 && cfgs[0].Fsync != "" {
		cfg.Fsync = cfgs[0].Fsync
	}
	switch cfg.Fsync {
	case FsyncAlways, FsyncNever:
	default:
		return nil, fmt.Errorf("local storage: unknown fsync policy %q", cfg.Fsync)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, cfg: cfg}, nil
}

// Dir returns the directory holding the entry files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id msgid.ID) string {
	return filepath.Join(s.dir, id.String()+entryExt)
}

// Write frames payload and atomically installs it as the entry for id.
//
// Write sequence:
//  1. create <id>.spill.tmp and write the frame
//  2. fsync the temp file (FsyncAlways)
//  3. rename over <id>.spill
//  4. fsync the directory so the rename survives a crash (FsyncAlways)
func (s *Store) Write(id msgid.ID, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("local storage: write %s: %w", id, storage.ErrClosed)
	}

	final := s.path(id)
	tmp := final + tmpExt

	if err := s.writeFile(tmp, storage.EncodeFrame(payload)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s: %w", storage.ErrWriteFailed, id, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s: rename: %w", storage.ErrWriteFailed, id, err)
	}
	if s.cfg.Fsync == FsyncAlways {
		if err := syncDir(s.dir); err != nil {
			return fmt.Errorf("%w: %s: sync dir: %w", storage.ErrWriteFailed, id, err)
		}
	}
	return nil
}

func (s *Store) writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if s.cfg.Fsync == FsyncAlways {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// Read loads and verifies the entry for id.
func (s *Store) Read(id msgid.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("local storage: read %s: %w", id, storage.ErrClosed)
	}

	buf, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("local storage: read %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrReadFailed, id, err)
	}

	payload, err := storage.DecodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrReadFailed, id, err)
	}
	return payload, nil
}

// Delete removes the entry file for id.
func (s *Store) Delete(id msgid.ID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("local storage: delete %s: %w", id, storage.ErrClosed)
	}

	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("local storage: delete %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("%w: %s: %w", storage.ErrDeleteFailed, id, err)
	}
	return nil
}

// Sweep removes every entry file and any temp file left by an interrupted
// write. Only completed entries are counted. Files that do not belong to the
// store, including *.spill files not named by a message ID, are left alone.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("local storage: sweep: %w", storage.ErrClosed)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep %s: %w", storage.ErrDeleteFailed, s.dir, err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		base, isEntry := strings.CutSuffix(name, entryExt)
		if !isEntry {
			var isTmp bool
			if base, isTmp = strings.CutSuffix(name, entryExt+tmpExt); !isTmp {
				continue
			}
		}
		if _, err := msgid.Parse(base); err != nil {
			continue // not named by this store
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: %s: %w", storage.ErrDeleteFailed, name, err))
			continue
		}
		if isEntry {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Close marks the store closed. Entry files stay on disk.
// Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// syncDir fsyncs a directory so that renames and unlinks inside it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
