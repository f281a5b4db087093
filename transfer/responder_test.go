package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kvbridge/kvbridge/kvstate"
)

// fakeSender scripts the context side of the protocol without transport
// or storage.
type fakeSender struct {
	infos chan kvstate.RequestInfo

	mu           sync.Mutex
	counterparts map[uint64]int
	received     map[uint64]int

	sendErr  error
	sent     chan uint64
	released chan uint64
}

func newFakeSender(counterparts map[uint64]int) *fakeSender {
	return &fakeSender{
		infos:        make(chan kvstate.RequestInfo, 16),
		counterparts: counterparts,
		received:     make(map[uint64]int),
		sent:         make(chan uint64, 16),
		released:     make(chan uint64, 16),
	}
}

func (f *fakeSender) push(id uint64, peerIdx int) {
	f.infos <- kvstate.RequestInfo{
		RequestID: id,
		State:     kvstate.TransceiverState{Comm: kvstate.NewRanksCommState([]int{peerIdx}, 0)},
	}
}

func (f *fakeSender) RecvRequestInfo(ctx context.Context) (kvstate.RequestInfo, error) {
	select {
	case info := <-f.infos:
		f.mu.Lock()
		f.received[info.RequestID]++
		f.mu.Unlock()
		return info, nil
	case <-ctx.Done():
		return kvstate.RequestInfo{}, ctx.Err()
	}
}

func (f *fakeSender) SendSync(ctx context.Context, req *Request) error {
	f.sent <- req.ID
	return f.sendErr
}

func (f *fakeSender) CommState() kvstate.CommState { return kvstate.CommState{} }

func (f *fakeSender) CounterpartsCount(requestID uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.received[requestID] == 0 {
		return 0, kvstate.ErrProtocolDesync
	}
	return f.counterparts[requestID], nil
}

func (f *fakeSender) ReceivedCount(requestID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[requestID]
}

func (f *fakeSender) Release(requestID uint64) { f.released <- requestID }

func waitFuture(t *testing.T, fut *Future) error {
	t.Helper()
	select {
	case <-fut.Done():
		return fut.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("future never resolved")
		return nil
	}
}

func TestResponderWaitsForAllCounterparts(t *testing.T) {
	sender := newFakeSender(map[uint64]int{1: 2})
	resp := NewDataResponder(sender)
	defer resp.Close()

	fut := resp.RespondAndSendAsync(&Request{ID: 1, NumTokens: 8})
	sender.push(1, 0)

	select {
	case <-fut.Done():
		t.Fatal("transfer started before the second counterpart announced")
	case <-time.After(50 * time.Millisecond):
	}

	sender.push(1, 1)
	if err := waitFuture(t, fut); err != nil {
		t.Fatal(err)
	}
	if id := <-sender.sent; id != 1 {
		t.Errorf("sent request %d, want 1", id)
	}
	if id := <-sender.released; id != 1 {
		t.Errorf("released request %d, want 1", id)
	}
}

func TestResponderInfoBeforeRegistration(t *testing.T) {
	sender := newFakeSender(map[uint64]int{7: 1})
	resp := NewDataResponder(sender)
	defer resp.Close()

	// The announcement lands before the scheduler registers the request;
	// the loop must hold it rather than lose the count.
	sender.push(7, 0)
	time.Sleep(50 * time.Millisecond)

	fut := resp.RespondAndSendAsync(&Request{ID: 7, NumTokens: 8})
	if err := waitFuture(t, fut); err != nil {
		t.Fatal(err)
	}
}

func TestResponderSurvivesDesync(t *testing.T) {
	sender := newFakeSender(map[uint64]int{2: 1})
	resp := NewDataResponder(sender)
	defer resp.Close()

	// An announcement for a request nobody registered is logged and held;
	// the loop must keep serving registered requests afterwards.
	sender.push(99, 0)

	fut := resp.RespondAndSendAsync(&Request{ID: 2, NumTokens: 8})
	sender.push(2, 0)
	if err := waitFuture(t, fut); err != nil {
		t.Fatal(err)
	}
}

func TestResponderPropagatesSendError(t *testing.T) {
	sender := newFakeSender(map[uint64]int{3: 1})
	sender.sendErr = kvstate.ErrTransport
	resp := NewDataResponder(sender)
	defer resp.Close()

	fut := resp.RespondAndSendAsync(&Request{ID: 3, NumTokens: 8})
	sender.push(3, 0)
	if err := waitFuture(t, fut); !errors.Is(err, kvstate.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}

	// Bookkeeping is released even on failure.
	if id := <-sender.released; id != 3 {
		t.Errorf("released request %d, want 3", id)
	}
}

func TestResponderCloseFailsPending(t *testing.T) {
	sender := newFakeSender(map[uint64]int{4: 2})
	resp := NewDataResponder(sender)

	fut := resp.RespondAndSendAsync(&Request{ID: 4, NumTokens: 8})
	resp.Close()

	if err := waitFuture(t, fut); !errors.Is(err, kvstate.ErrTransport) {
		t.Errorf("got %v, want ErrTransport after close", err)
	}
}
