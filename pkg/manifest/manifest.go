// Package manifest provides the single-slot mailbox that delivers the most
// recently observed manifest of one object to its state machine. Writes
// overwrite any pending value; rapid updates coalesce instead of queueing.
package manifest

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSenderClosed is returned by Next once the writer has hung up and
	// no unobserved value remains.
	ErrSenderClosed = errors.New("manifest: sender closed")
	// ErrReceiverClosed is returned by Send once the reader has hung up.
	// The supervisor owning the receiver has exited; callers treat this as
	// the signal to stop forwarding events.
	ErrReceiverClosed = errors.New("manifest: receiver closed")
)

type cell[M any] struct {
	mu       sync.Mutex
	latest   M
	version  uint64
	observed uint64
	notify   chan struct{}

	senderClosed   bool
	receiverClosed bool
}

// Sender is the write half of a manifest cell.
type Sender[M any] struct {
	c *cell[M]
}

// Receiver is the read half of a manifest cell.
type Receiver[M any] struct {
	c *cell[M]
}

// New creates a manifest cell seeded with the initial manifest. The seed
// counts as the first write, so Latest never blocks.
func New[M any](initial M) (*Sender[M], *Receiver[M]) {
	c := &cell[M]{
		latest:  initial,
		version: 1,
		notify:  make(chan struct{}, 1),
	}
	return &Sender[M]{c: c}, &Receiver[M]{c: c}
}

// Send replaces the pending manifest. Returns ErrReceiverClosed if the
// reader is gone.
func (s *Sender[M]) Send(m M) error {
	c := s.c
	c.mu.Lock()
	if c.receiverClosed {
		c.mu.Unlock()
		return ErrReceiverClosed
	}
	c.latest = m
	c.version++
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks end-of-stream. Subsequent reads observe any final value and
// then ErrSenderClosed.
func (s *Sender[M]) Close() {
	c := s.c
	c.mu.Lock()
	c.senderClosed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Latest returns the most recently written manifest without blocking and
// marks it observed, so a following Next waits for a newer write.
func (r *Receiver[M]) Latest() M {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.c.observed = r.c.version
	return r.c.latest
}

// Next suspends until a manifest newer than the last one observed is
// available and returns it. Returns ErrSenderClosed once the writer is gone
// and every write has been observed.
func (r *Receiver[M]) Next(ctx context.Context) (M, error) {
	c := r.c
	for {
		c.mu.Lock()
		if c.version > c.observed {
			c.observed = c.version
			m := c.latest
			c.mu.Unlock()
			return m, nil
		}
		closed := c.senderClosed
		c.mu.Unlock()

		if closed {
			var zero M
			return zero, ErrSenderClosed
		}

		select {
		case <-c.notify:
		case <-ctx.Done():
			var zero M
			return zero, ctx.Err()
		}
	}
}

// Close releases the writer. Further Sends fail with ErrReceiverClosed.
func (r *Receiver[M]) Close() {
	r.c.mu.Lock()
	r.c.receiverClosed = true
	r.c.mu.Unlock()
}
