package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/kvbridge/kvbridge/kvstate"
)

type message struct {
	from string
	tag  uint64
	data []byte
}

// mailbox is the shared inbox both backends deliver into. Matching is by
// tag, optionally narrowed to one sender; unmatched messages stay queued
// so interleaved tags never block each other.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []message
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) deliver(from string, tag uint64, data []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return fmt.Errorf("%w: endpoint closed", kvstate.ErrTransport)
	}

	mb.queue = append(mb.queue, message{from: from, tag: tag, data: data})
	mb.cond.Broadcast()
	return nil
}

// recv blocks for the first queued message matching tag, and from when
// from is non-empty. FIFO order holds per (from, tag) pair.
func (mb *mailbox) recv(ctx context.Context, from string, tag uint64) (message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock guarantees the waiter is parked in Wait
			// before the wakeup fires.
			mb.mu.Lock()
			mb.cond.Broadcast()
			mb.mu.Unlock()
		case <-done:
		}
	}()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	for {
		for i, m := range mb.queue {
			if m.tag != tag || (from != "" && m.from != from) {
				continue
			}
			mb.queue = append(mb.queue[:i], mb.queue[i+1:]...)
			return m, nil
		}

		if mb.closed {
			return message{}, fmt.Errorf("%w: endpoint closed", kvstate.ErrTransport)
		}
		if err := ctx.Err(); err != nil {
			return message{}, fmt.Errorf("%w: receive aborted: %v", kvstate.ErrTransport, err)
		}

		mb.cond.Wait()
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.cond.Broadcast()
}
