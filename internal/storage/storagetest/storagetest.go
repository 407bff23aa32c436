// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend test files call Run with a constructor for a fresh store.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

// Run exercises open() against the storage.Store contract.
// open must return a new, empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()

	fresh := func(t *testing.T) storage.Store {
		t.Helper()
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("WriteRead", func(t *testing.T) {
		s := fresh(t)
		id := msgid.MustNew()
		want := []byte(`{"orderId":1}`)
		if err := s.Write(id, want); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := s.Read(id)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Read = %q, want %q", got, want)
		}
	})

	t.Run("ReadMissing", func(t *testing.T) {
		s := fresh(t)
		if _, err := s.Read(msgid.MustNew()); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Read missing: want ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		s := fresh(t)
		if err := s.Delete(msgid.MustNew()); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Delete missing: want ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteThenRead", func(t *testing.T) {
		s := fresh(t)
		id := msgid.MustNew()
		if err := s.Write(id, []byte("x")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Delete(id); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Read(id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Read after Delete: want ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := fresh(t)
		id := msgid.MustNew()
		_ = s.Write(id, []byte("first"))
		if err := s.Write(id, []byte("second")); err != nil {
			t.Fatalf("Write overwrite: %v", err)
		}
		got, err := s.Read(id)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "second" {
			t.Fatalf("Read = %q, want second", got)
		}
	})

	t.Run("EmptyAndMaxPayload", func(t *testing.T) {
		s := fresh(t)
		for _, payload := range [][]byte{{}, bytes.Repeat([]byte{7}, 64*1024)} {
			id := msgid.MustNew()
			if err := s.Write(id, payload); err != nil {
				t.Fatalf("Write %d bytes: %v", len(payload), err)
			}
			got, err := s.Read(id)
			if err != nil {
				t.Fatalf("Read %d bytes: %v", len(payload), err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload of %d bytes did not round-trip", len(payload))
			}
		}
	})

	t.Run("ReadReturnsCopy", func(t *testing.T) {
		s := fresh(t)
		id := msgid.MustNew()
		src := []byte("abc")
		_ = s.Write(id, src)
		src[0] = 'z'
		got, _ := s.Read(id)
		got[1] = 'z'
		again, _ := s.Read(id)
		if string(again) != "abc" {
			t.Fatalf("stored payload was aliased: %q", again)
		}
	})

	t.Run("Sweep", func(t *testing.T) {
		s := fresh(t)
		ids := make([]msgid.ID, 5)
		for i := range ids {
			ids[i] = msgid.MustNew()
			if err := s.Write(ids[i], []byte(fmt.Sprintf("m%d", i))); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		n, err := s.Sweep()
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n != len(ids) {
			t.Fatalf("Sweep removed %d, want %d", n, len(ids))
		}
		for _, id := range ids {
			if _, err := s.Read(id); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("Read after Sweep: want ErrNotFound, got %v", err)
			}
		}
		if n, err := s.Sweep(); err != nil || n != 0 {
			t.Fatalf("second Sweep = (%d, %v), want (0, nil)", n, err)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		s := fresh(t)
		const workers, perWorker = 8, 25

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					id := msgid.MustNew()
					want := []byte(fmt.Sprintf("w%d-%d", w, i))
					if err := s.Write(id, want); err != nil {
						errs <- err
						return
					}
					got, err := s.Read(id)
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(got, want) {
						errs <- fmt.Errorf("got %q want %q", got, want)
						return
					}
					if err := s.Delete(id); err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := open(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		if err := s.Write(msgid.MustNew(), []byte("x")); !errors.Is(err, storage.ErrClosed) {
			t.Fatalf("Write after Close: want ErrClosed, got %v", err)
		}
	})
}
