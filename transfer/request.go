// Package transfer - Uebertragung der KV-Cache-Bloecke zwischen den Gruppen
//
// Dieses Modul enthaelt den eigentlichen Cache-Handoff:
// - Formatter: Gather/Scatter zwischen Blockspeicher und Drahtformat
// - BufferPool: vorreservierte Sendepuffer mit Backpressure
// - Sender/Receiver: synchrone Uebertragung pro Request
// - DataResponder/DataRequester: asynchrone Fassade fuer den Scheduler
// Die Context-Seite antwortet auf RequestInfo-Nachrichten der
// Generation-Seite; beide Seiten leiten Regionen und Groessen unabhaengig
// voneinander aus den CacheStates ab.
package transfer

import (
	"github.com/kvbridge/kvbridge/kvstate"
)

// Request identifies one sequence handoff. The context side creates it when
// the context phase finishes; the generation side creates it before
// allocating blocks for the first generated token.
type Request struct {
	ID uint64

	// NumTokens is the caller's view of the sequence length. Both sides
	// check it against the blocks reserved in their store before moving
	// any data.
	NumTokens int

	// PeerState is the context group's published addressing and cache
	// layout, set on the generation side only.
	PeerState *kvstate.TransceiverState
}

// Future resolves when an asynchronous transfer finishes.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the transfer finishes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}
