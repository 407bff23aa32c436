package queue

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/spillq/internal/metrics"
	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/storage"
)

const (
	// MaxQueueSize is the default bound on the number of queued messages.
	MaxQueueSize = 1024
	// MaxElemSize is the largest payload the queue will ever accept.
	MaxElemSize = 64 * 1024
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds the queue's limits.
type Config struct {
	// MaxQueueSize bounds the number of messages in the queue, Resident and
	// Spilled combined.
	MaxQueueSize int
	// MaxElemSize bounds a single payload. Must not exceed the package-level
	// MaxElemSize.
	MaxElemSize int
}

// DefaultConfig returns the standard limits: 1024 messages of up to 64 KiB.
func DefaultConfig() Config {
	return Config{MaxQueueSize: MaxQueueSize, MaxElemSize: MaxElemSize}
}

// Validate returns the first invalid limit, if any.
func (c Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("queue: max_queue_size must be > 0, got %d", c.MaxQueueSize)
	}
	if c.MaxElemSize <= 0 || c.MaxElemSize > MaxElemSize {
		return fmt.Errorf("queue: max_elem_size must be in (0, %d], got %d", MaxElemSize, c.MaxElemSize)
	}
	return nil
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures optional Queue collaborators.
type Option func(*Queue)

// WithLogger sets the logger used for spill and reload events.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics records queue activity in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = reg }
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Size          int `json:"size"`
	Capacity      int `json:"capacity"`
	Resident      int `json:"resident"`
	Spilled       int `json:"spilled"`
	ResidentBytes int `json:"resident_bytes"`
	SpilledBytes  int `json:"spilled_bytes"`
	PendingSpill  int `json:"pending_spill"`
	InFlight      int `json:"in_flight"`
}

// Queue is a bounded FIFO of byte messages whose payloads may be moved to a
// storage.Store (spilled) and are transparently brought back when dequeued.
//
// Architecture:
//   - "items" is a linked list of *Message (head = oldest).
//   - One mutex guards the list, the counters, and the pending spill count.
//     No store I/O happens while it is held.
//   - Spill marks one message as in flight under the mutex, writes it with
//     the mutex released, and commits the residency change under it again.
//     A message dequeued mid-write is delivered from memory and its stored
//     copy is deleted.
//   - Dequeue unlinks the head under the mutex and reloads a Spilled payload
//     outside it. The slot stays reserved ("in flight") until the message is
//     delivered, so a failed reload or delivery can always be put back at
//     the head.
//
// All public methods are safe for concurrent use.
type Queue struct {
	cfg     Config
	store   storage.Store
	log     *slog.Logger
	metrics *metrics.Registry

	mu            sync.Mutex
	items         *list.List // elements are *Message (FIFO)
	inflight      int        // messages unlinked by Dequeue and not yet settled
	pending       int        // messages owed by the in-flight spill campaign; 0 = none
	spilled       int
	residentBytes int
	spilledBytes  int
	closed        bool

	io sync.WaitGroup // store I/O started before Close
}

// New creates an empty Queue that spills into store. The Queue takes
// ownership of store and closes it in Close.
func New(store storage.Store, cfg Config, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:     cfg,
		store:   store,
		log:     slog.Default(),
		metrics: &metrics.Registry{},
		items:   list.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue copies payload into a new Resident message at the tail and returns
// the number of bytes accepted.
//
// An empty payload is a no-op that returns (0, nil). A payload larger than
// the configured element size fails with ErrTooLarge; a full queue fails with
// ErrCapacityExhausted. Neither failure changes the queue.
func (q *Queue) Enqueue(payload []byte) (int, error) {
	if len(payload) > q.cfg.MaxElemSize {
		q.metrics.Rejected.Inc("too_large")
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(payload), q.cfg.MaxElemSize)
	}
	if len(payload) == 0 {
		return 0, nil
	}

	id, err := msgid.New()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	m := newMessage(id, bytes.Clone(payload))

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	if q.items.Len()+q.inflight >= q.cfg.MaxQueueSize {
		q.metrics.Rejected.Inc("capacity")
		return 0, ErrCapacityExhausted
	}
	q.items.PushBack(m)
	q.residentBytes += m.Len
	q.metrics.Enqueued.Inc()
	return m.Len, nil
}

// ─── Dequeue ─────────────────────────────────────────────────────────────────

// Dequeue removes the head message and returns at most maxLen bytes of its
// payload. Bytes beyond maxLen are discarded along with the message.
//
// A Spilled head is reloaded from the store first. If the reload fails the
// message is put back at the head, still Spilled, and the storage error is
// returned. An empty queue fails with ErrEmpty.
func (q *Queue) Dequeue(maxLen int) ([]byte, error) {
	var out []byte
	err := q.DequeueFunc(maxLen, func(p []byte) error {
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DequeueFunc is Dequeue for callers that can still fail after taking a
// message, such as a network write. It removes the head message and passes
// at most maxLen bytes of it to deliver, outside the queue mutex. If deliver
// returns an error the message goes back to the head, Resident, and that
// error is returned; the message's slot stays reserved until then, so the
// put-back cannot fail for lack of room.
func (q *Queue) DequeueFunc(maxLen int, deliver func(p []byte) error) error {
	if maxLen < 0 {
		return fmt.Errorf("%w: max length %d", ErrInvalidLength, maxLen)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		q.metrics.Rejected.Inc("empty")
		return ErrEmpty
	}
	m := q.items.Remove(front).(*Message)
	m.unlinked = true
	q.inflight++
	wasSpilled := m.residency == Spilled
	copyOut := m.spilling
	p := m.payload
	if wasSpilled {
		q.spilled--
		q.spilledBytes -= m.Len
		q.io.Add(1)
	} else {
		q.residentBytes -= m.Len
	}
	q.mu.Unlock()

	switch {
	case wasSpilled:
		if err := q.reload(m); err != nil {
			return err
		}
		p = m.payload
	case copyOut:
		// A spill write is still reading the buffer.
		p = bytes.Clone(p)
	}

	if err := deliver(p[:min(m.Len, maxLen)]); err != nil {
		q.putBack(m)
		return err
	}

	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	q.metrics.Dequeued.Inc()
	return nil
}

// reload brings an unlinked Spilled message back into memory. On failure the
// message is returned to the head of the queue, still Spilled, and its slot
// is released.
func (q *Queue) reload(m *Message) error {
	defer q.io.Done()

	err := m.reload(q.store)
	if err == nil {
		q.metrics.Reloaded.Inc()
		q.log.Debug("message reloaded", "id", m.ID, "bytes", m.Len, "age", time.Since(m.ID.Time()))
		return nil
	}
	q.recordStorageError(err)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--

	if q.closed {
		// Teardown already ran; nothing will reclaim the stored copy but us.
		if derr := q.store.Delete(m.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			q.log.Warn("orphaned spilled message", "id", m.ID, "error", derr)
		}
		return fmt.Errorf("queue: reload %s: %w", m.ID, err)
	}
	m.unlinked = false
	q.items.PushFront(m)
	q.spilled++
	q.spilledBytes += m.Len
	q.log.Warn("reload failed, message requeued", "id", m.ID, "error", err)
	return fmt.Errorf("queue: reload %s: %w", m.ID, err)
}

// putBack returns an undelivered Resident message to the head.
func (q *Queue) putBack(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.closed {
		return
	}
	m.unlinked = false
	q.items.PushFront(m)
	q.residentBytes += m.Len
}

// ─── Spill ───────────────────────────────────────────────────────────────────

// Spill moves up to n Resident messages to the store, newest first, and
// returns how many it moved. Messages that are already Spilled, or being
// written by another Spill, are skipped and do not count toward n.
//
// A message whose write fails stays Resident and the scan continues with the
// next older message; per-message failures are joined into the returned
// error. A message dequeued while its write was in flight is not counted and
// its stored copy is deleted. The scan stops early when it reaches the head,
// when ctx is done, or when the queue is closed.
func (q *Queue) Spill(ctx context.Context, n int) (int, error) {
	var (
		done int
		errs []error
		e    *list.Element
	)
	first := true
	for done < n {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			errs = append(errs, ErrClosed)
			break
		}
		// A cursor unlinked by Dequeue has no Prev; everything older than it
		// has been consumed, so the scan is over.
		if first {
			e, first = q.items.Back(), false
		} else if e != nil {
			e = e.Prev()
		}
		for e != nil {
			if m := e.Value.(*Message); m.residency == Resident && !m.spilling {
				break
			}
			e = e.Prev()
		}
		if e == nil {
			q.mu.Unlock()
			break
		}
		m := e.Value.(*Message)
		p, err := m.beginSpill()
		if err != nil {
			q.mu.Unlock()
			errs = append(errs, fmt.Errorf("queue: spill %s: %w", m.ID, err))
			continue
		}
		q.io.Add(1)
		q.mu.Unlock()

		werr := q.store.Write(m.ID, p)

		stale := false
		q.mu.Lock()
		switch {
		case werr != nil:
			m.spilling = false
			q.recordStorageError(werr)
			q.log.Warn("spill failed, message stays resident", "id", m.ID, "error", werr)
			errs = append(errs, fmt.Errorf("queue: spill %s: %w", m.ID, werr))
		case m.unlinked || q.closed:
			m.spilling = false
			stale = true
		default:
			m.commitSpill()
			q.residentBytes -= m.Len
			q.spilled++
			q.spilledBytes += m.Len
			q.metrics.Spilled.Inc()
			q.log.Debug("message spilled", "id", m.ID, "bytes", m.Len)
			done++
		}
		q.mu.Unlock()

		if stale {
			if derr := q.store.Delete(m.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				q.recordStorageError(derr)
				q.log.Warn("orphaned spill copy", "id", m.ID, "error", derr)
			}
		}
		q.io.Done()
	}
	return done, errors.Join(errs...)
}

// ─── Spill campaign token ────────────────────────────────────────────────────

// beginCampaign claims the single spill campaign slot for n messages.
func (q *Queue) beginCampaign(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.pending != 0 {
		q.metrics.Rejected.Inc("spill_in_progress")
		return ErrSpillInProgress
	}
	q.pending = n
	return nil
}

// endCampaign releases the campaign slot.
func (q *Queue) endCampaign() {
	q.mu.Lock()
	q.pending = 0
	q.mu.Unlock()
}

// PendingSpill returns the number of messages owed by the in-flight spill
// campaign, or 0 when none is running.
func (q *Queue) PendingSpill() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len returns the number of queued messages, Resident and Spilled.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns a consistent snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.items.Len()
	return Stats{
		Size:          size,
		Capacity:      q.cfg.MaxQueueSize,
		Resident:      size - q.spilled,
		Spilled:       q.spilled,
		ResidentBytes: q.residentBytes,
		SpilledBytes:  q.spilledBytes,
		PendingSpill:  q.pending,
		InFlight:      q.inflight,
	}
}

// Gauges adapts Stats for metrics.Registry.SetGaugeSource.
func (q *Queue) Gauges() metrics.Gauges {
	s := q.Stats()
	return metrics.Gauges{
		Size:          int64(s.Size),
		Capacity:      int64(s.Capacity),
		Resident:      int64(s.Resident),
		Spilled:       int64(s.Spilled),
		ResidentBytes: int64(s.ResidentBytes),
		SpilledBytes:  int64(s.SpilledBytes),
		PendingSpill:  int64(s.PendingSpill),
	}
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// Close discards every queued message, deletes the stored copy of each
// Spilled one, and closes the store. Store I/O already in flight is waited
// for first. Deletion failures are joined into the returned error; every
// message is attempted regardless. Close is idempotent.
//
// Stop the Compactor before calling Close.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var spilled []msgid.ID
	for e := q.items.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		if m.residency == Spilled {
			spilled = append(spilled, m.ID)
		}
	}
	q.items.Init()
	q.spilled, q.residentBytes, q.spilledBytes = 0, 0, 0
	q.mu.Unlock()

	q.io.Wait()

	var errs []error
	for _, id := range spilled {
		if err := q.store.Delete(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			q.recordStorageError(err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		q.log.Warn("teardown left spilled messages behind", "failed", len(errs), "total", len(spilled))
	}
	if err := q.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: close store: %w", err))
	}
	return errors.Join(errs...)
}

// recordStorageError counts err under the store operation that produced it.
func (q *Queue) recordStorageError(err error) {
	switch {
	case errors.Is(err, storage.ErrWriteFailed):
		q.metrics.StorageErrors.Inc("write")
	case errors.Is(err, storage.ErrReadFailed), errors.Is(err, storage.ErrCorrupted):
		q.metrics.StorageErrors.Inc("read")
	case errors.Is(err, storage.ErrDeleteFailed):
		q.metrics.StorageErrors.Inc("delete")
	}
}
