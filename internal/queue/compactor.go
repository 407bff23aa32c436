package queue

// compactor.go — the background spill worker.
//
// Two kinds of trigger start a spill campaign:
//
//	SpillSync(ctx, n)  runs the campaign on the caller's goroutine and
//	                   returns once it is over.
//	SpillAsync(n)      records n as the queue's pending spill count, wakes
//	                   the worker, and returns immediately.
//
// Only one campaign runs at a time. While the pending count is non-zero
// every further trigger fails with ErrSpillInProgress.

import (
	"context"
	"log/slog"
	"sync"

	"code.hybscloud.com/atomix"
)

// Compactor owns the single background goroutine that drains asynchronous
// spill requests for one Queue.
type Compactor struct {
	q   *Queue
	log *slog.Logger

	wake     chan struct{} // capacity 1; a token means "pending count is set"
	draining atomix.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	queued  bool // an async request holds the queue's campaign slot
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCompactor creates a Compactor for q. Call Start to launch the worker.
func NewCompactor(q *Queue) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Compactor{
		q:      q,
		log:    q.log,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. It returns immediately; calling it
// more than once, or after Stop, has no effect.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case <-c.wake:
				c.drain()
			}
		}
	}()
}

// Stop signals the worker to exit and waits for it. A campaign in progress
// is abandoned between messages, and an async request the worker never
// picked up gives the campaign slot back. Stop is idempotent.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		c.cancel()
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	orphaned := c.queued
	c.queued = false
	c.mu.Unlock()
	if orphaned {
		c.q.endCampaign()
	}
}

// drain runs one asynchronous campaign for the queue's pending count and
// then clears it.
func (c *Compactor) drain() {
	n := c.q.PendingSpill()
	if n == 0 {
		return
	}
	c.draining.Store(true)
	defer c.draining.Store(false)
	defer c.release()

	spilled, err := c.q.Spill(c.ctx, n)
	if err != nil {
		c.log.Warn("async spill finished with errors", "requested", n, "spilled", spilled, "error", err)
		return
	}
	c.log.Info("async spill finished", "requested", n, "spilled", spilled)
}

// release clears the async request and frees the campaign slot.
func (c *Compactor) release() {
	c.mu.Lock()
	c.queued = false
	c.mu.Unlock()
	c.q.endCampaign()
}

// SpillSync spills up to n messages on the calling goroutine and returns
// the number moved. It fails with ErrSpillInProgress if another campaign
// holds the slot. n <= 0 is a no-op.
func (c *Compactor) SpillSync(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if err := c.q.beginCampaign(n); err != nil {
		return 0, err
	}
	defer c.q.endCampaign()
	return c.q.Spill(ctx, n)
}

// SpillAsync asks the worker to spill up to n messages and returns without
// waiting. It fails with ErrSpillInProgress if another campaign holds the
// slot, and with ErrClosed after Stop. n <= 0 is a no-op.
func (c *Compactor) SpillAsync(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}
	if err := c.q.beginCampaign(n); err != nil {
		return err
	}
	c.queued = true
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Draining reports whether the worker is currently running a campaign.
func (c *Compactor) Draining() bool {
	return c.draining.Load()
}
