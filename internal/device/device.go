// Package device exposes a Queue and its Compactor as a byte-stream device:
// each Write enqueues one message, each Read dequeues one message, and
// Control triggers spill campaigns by numeric operation code.
//
// Device is the single object the transports hold; it is safe for
// concurrent use.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/snehjoshi/spillq/internal/queue"
	"github.com/snehjoshi/spillq/internal/storage"
)

// Op is a control operation code.
type Op int

const (
	// OpSpillSync spills count messages before Control returns.
	OpSpillSync Op = 1000
	// OpSpillAsync hands count messages to the background worker and
	// returns immediately.
	OpSpillAsync Op = 1001
)

// String returns the operation's short name.
func (o Op) String() string {
	switch o {
	case OpSpillSync:
		return "sync"
	case OpSpillAsync:
		return "async"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ErrUnknownOp is returned by Control for an unrecognised operation code.
var ErrUnknownOp = errors.New("device: unknown control operation")

// ErrNegativeCount is returned by Control when count < 0.
var ErrNegativeCount = errors.New("device: negative count")

// Device binds a Queue to its Compactor.
type Device struct {
	q *queue.Queue
	c *queue.Compactor
}

// New returns a Device over q and c. The caller keeps ownership of both and
// is responsible for stopping c before closing q.
func New(q *queue.Queue, c *queue.Compactor) *Device {
	return &Device{q: q, c: c}
}

// Write enqueues p as one message and returns the number of bytes accepted.
func (d *Device) Write(p []byte) (int, error) {
	return d.q.Enqueue(p)
}

// Read dequeues one message into p and returns the number of bytes copied.
// A message longer than p is truncated; the excess is discarded.
//
// Unlike io.Reader, an empty queue is reported as queue.ErrEmpty, not io.EOF.
func (d *Device) Read(p []byte) (int, error) {
	b, err := d.q.Dequeue(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// Pop dequeues one message and returns at most maxLen bytes of it.
func (d *Device) Pop(maxLen int) ([]byte, error) {
	return d.q.Dequeue(maxLen)
}

// Deliver dequeues one message and hands at most maxLen bytes of it to fn.
// If fn fails the message stays at the head of the queue and fn's error is
// returned.
func (d *Device) Deliver(maxLen int, fn func(p []byte) error) error {
	return d.q.DequeueFunc(maxLen, fn)
}

// Len returns the number of queued messages.
func (d *Device) Len() int {
	return d.q.Len()
}

// Control runs a spill campaign. For OpSpillSync it returns the number of
// messages spilled; for OpSpillAsync it returns 0 once the request has been
// handed to the worker.
func (d *Device) Control(ctx context.Context, op Op, count int) (int, error) {
	if count < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeCount, count)
	}
	switch op {
	case OpSpillSync:
		return d.c.SpillSync(ctx, count)
	case OpSpillAsync:
		return 0, d.c.SpillAsync(count)
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownOp, int(op))
}

// Stats returns a snapshot of the underlying queue.
func (d *Device) Stats() queue.Stats {
	return d.q.Stats()
}

// Code classifies err into the short, stable string transports put on the
// wire. It returns "" for a nil error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, queue.ErrTooLarge):
		return "too_large"
	case errors.Is(err, queue.ErrCapacityExhausted):
		return "capacity"
	case errors.Is(err, queue.ErrEmpty):
		return "empty"
	case errors.Is(err, queue.ErrSpillInProgress):
		return "spill_in_progress"
	case errors.Is(err, queue.ErrInvalidLength),
		errors.Is(err, ErrUnknownOp),
		errors.Is(err, ErrNegativeCount):
		return "invalid"
	case errors.Is(err, queue.ErrClosed):
		return "closed"
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrWriteFailed),
		errors.Is(err, storage.ErrReadFailed),
		errors.Is(err, storage.ErrDeleteFailed),
		errors.Is(err, storage.ErrCorrupted):
		return "storage"
	}
	return "internal"
}
