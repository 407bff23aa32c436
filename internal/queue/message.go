package queue

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

// Message is one queued payload. Its length is fixed at enqueue time and
// stays valid whichever tier holds the bytes.
//
// All fields are guarded by the owning queue's mutex. Two windows touch the
// payload outside it: a spill write reads it, and a dequeued message belongs
// to the dequeuing goroutine until it is delivered or put back.
type Message struct {
	ID        msgid.ID
	Len       int
	payload   []byte // nil while Spilled
	residency Residency

	spilling bool // a store write for this message is in flight
	unlinked bool // taken off the list by Dequeue and not put back
}

func newMessage(id msgid.ID, payload []byte) *Message {
	return &Message{ID: id, Len: len(payload), payload: payload, residency: Resident}
}

// Residency returns where the payload currently lives.
func (m *Message) Residency() Residency { return m.residency }

// beginSpill marks m as being written to the store and returns the bytes to
// write. The payload stays in memory until commitSpill.
func (m *Message) beginSpill() ([]byte, error) {
	if m.spilling || !ValidTransition(m.residency, Spilled) {
		return nil, ErrAlreadySpilled
	}
	m.spilling = true
	return m.payload, nil
}

// commitSpill releases the in-memory copy once the store holds it.
func (m *Message) commitSpill() {
	m.spilling = false
	m.payload = nil
	m.residency = Spilled
}

// reload reads the payload back from store and deletes the stored copy so
// exactly one tier holds it. On any failure the message stays Spilled.
func (m *Message) reload(store storage.Store) error {
	if !ValidTransition(m.residency, Resident) {
		return ErrNotSpilled
	}
	p, err := store.Read(m.ID)
	if err != nil {
		return err
	}
	if len(p) != m.Len {
		return fmt.Errorf("%w: %s: stored %d bytes, want %d", storage.ErrCorrupted, m.ID, len(p), m.Len)
	}
	if err := store.Delete(m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m.payload = p
	m.residency = Resident
	return nil
}
