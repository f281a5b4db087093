// MODUL: receiver_test
// ZWECK: Tests fuer die Zulassungspruefungen vor einem Handoff

package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/kvbridge/kvbridge/kvstate"
	"github.com/kvbridge/kvbridge/transport"
)

func newBusManager(t *testing.T, bus *transport.Bus, rank int, world []int) transport.Manager {
	t.Helper()
	m, err := transport.New("inproc", transport.Options{Rank: rank, Bus: bus, WorldRanks: world})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestReceiverRejectsTokenMismatch(t *testing.T) {
	state := newTestState(t, 2, 1, 1, kvstate.DTypeU8)
	store := newTestStore(t, state, 1, 8)

	mgr := newBusManager(t, transport.NewBus(), 0, []int{0})
	r := NewReceiver(mgr, store, 0, NewTransferBuffers(state, 1))

	req := &Request{
		ID:        1,
		NumTokens: 16,
		PeerState: &kvstate.TransceiverState{Comm: mgr.CommState(), Cache: *state},
	}
	if _, err := r.SendRequestInfo(context.Background(), req); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration for 16 announced vs 8 reserved tokens", err)
	}
}

func TestSenderRejectsTokenMismatch(t *testing.T) {
	state := newTestState(t, 2, 1, 1, kvstate.DTypeU8)
	store := newTestStore(t, state, 1, 8)

	bus := transport.NewBus()
	ctxMgr := newBusManager(t, bus, 0, []int{0})
	genMgr := newBusManager(t, bus, 0, []int{1})
	s := NewSender(ctxMgr, store, 0, NewTransferBuffers(state, 1))

	info := kvstate.RequestInfo{
		RequestID: 1,
		State:     kvstate.TransceiverState{Comm: genMgr.CommState(), Cache: *state},
	}
	data, err := info.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	conns, err := genMgr.Connect(ctxMgr.CommState())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := conns[0].Send(ctx, transport.TagRequestInfo, data); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecvRequestInfo(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.SendSync(ctx, &Request{ID: 1, NumTokens: 16}); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration for 16 announced vs 8 reserved tokens", err)
	}
}

func TestReceiverRejectsUndersizedCommGroup(t *testing.T) {
	genState := newTestState(t, 2, 1, 1, kvstate.DTypeU8)
	ctxState := newTestState(t, 1, 2, 1, kvstate.DTypeU8)
	store := newTestStore(t, genState, 1, 8)

	mgr := newBusManager(t, transport.NewBus(), 0, []int{0})
	r := NewReceiver(mgr, store, 0, NewTransferBuffers(genState, 1))

	// The peer topology has two ranks but its comm state addresses one.
	req := &Request{
		ID:        1,
		NumTokens: 8,
		PeerState: &kvstate.TransceiverState{Comm: kvstate.NewRanksCommState([]int{0}, 0), Cache: *ctxState},
	}
	if _, err := r.SendRequestInfo(context.Background(), req); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration for comm group smaller than topology", err)
	}
}

func TestReceiverRejectsOrphanedDuplication(t *testing.T) {
	// Context holds two heads per rank, generation one: every context shard
	// is duplicated twice on the wire. Generation rank 1 maps onto context
	// rank 1, which is not the canonical copy of its duplication pair, so
	// no rank would ever transmit to it.
	genState := newTestState(t, 1, 2, 1, kvstate.DTypeU8)
	ctxState := newTestState(t, 2, 2, 1, kvstate.DTypeU8)
	store := newTestStore(t, genState, 1, 8)

	bus := transport.NewBus()
	ctxMgr := newBusManager(t, bus, 0, []int{0, 1})
	newBusManager(t, bus, 1, []int{0, 1})
	genMgr := newBusManager(t, bus, 0, []int{2})

	r := NewReceiver(genMgr, store, 1, NewTransferBuffers(genState, 1))
	req := &Request{
		ID:        1,
		NumTokens: 8,
		PeerState: &kvstate.TransceiverState{Comm: ctxMgr.CommState(), Cache: *ctxState},
	}
	if _, err := r.SendRequestInfo(context.Background(), req); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration when no canonical sender maps onto this rank", err)
	}
}
