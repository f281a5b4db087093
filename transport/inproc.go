package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kvbridge/kvbridge/kvstate"
)

func init() {
	Register("inproc", newInproc)
}

// Bus connects in-process endpoints by world rank. Context and
// generation groups attach to the same bus; it stands in for a real
// fabric in tests and single-binary runs.
type Bus struct {
	mu        sync.Mutex
	endpoints map[int]*inprocManager
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[int]*inprocManager)}
}

func (b *Bus) lookup(rank int) (*inprocManager, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[rank]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint attached for rank %d", kvstate.ErrTransport, rank)
	}
	return ep, nil
}

type inprocManager struct {
	bus       *Bus
	worldRank int
	comm      kvstate.CommState
	mb        *mailbox
}

func newInproc(opts Options) (Manager, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: inproc backend needs a shared bus", kvstate.ErrConfiguration)
	}
	if len(opts.WorldRanks) == 0 {
		return nil, fmt.Errorf("%w: inproc backend needs the group's world ranks", kvstate.ErrConfiguration)
	}
	if opts.Rank < 0 || opts.Rank >= len(opts.WorldRanks) {
		return nil, fmt.Errorf("%w: rank %d outside group of size %d", kvstate.ErrConfiguration, opts.Rank, len(opts.WorldRanks))
	}

	m := &inprocManager{
		bus:       opts.Bus,
		worldRank: opts.WorldRanks[opts.Rank],
		comm:      kvstate.NewRanksCommState(opts.WorldRanks, opts.Rank),
		mb:        newMailbox(),
	}

	opts.Bus.mu.Lock()
	defer opts.Bus.mu.Unlock()
	if _, ok := opts.Bus.endpoints[m.worldRank]; ok {
		return nil, fmt.Errorf("%w: rank %d already attached", kvstate.ErrConfiguration, m.worldRank)
	}
	opts.Bus.endpoints[m.worldRank] = m
	return m, nil
}

func (m *inprocManager) CommState() kvstate.CommState {
	return m.comm
}

func (m *inprocManager) Connect(state kvstate.CommState) ([]Connection, error) {
	if state.Kind != kvstate.CommRanks {
		return nil, fmt.Errorf("%w: inproc backend connects by rank, got %s addressing", kvstate.ErrConfiguration, state.Kind)
	}

	conns := make([]Connection, len(state.Ranks))
	for i, r := range state.Ranks {
		conns[i] = &inprocConn{self: m, peerRank: r}
	}
	return conns, nil
}

func (m *inprocManager) RecvAny(ctx context.Context, tag uint64) (Connection, []byte, error) {
	msg, err := m.mb.recv(ctx, "", tag)
	if err != nil {
		return nil, nil, err
	}
	peer, err := strconv.Atoi(msg.from)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad sender id %q", kvstate.ErrTransport, msg.from)
	}
	return &inprocConn{self: m, peerRank: peer}, msg.data, nil
}

func (m *inprocManager) Close() error {
	m.bus.mu.Lock()
	delete(m.bus.endpoints, m.worldRank)
	m.bus.mu.Unlock()
	m.mb.close()
	return nil
}

type inprocConn struct {
	self     *inprocManager
	peerRank int
}

func (c *inprocConn) Send(ctx context.Context, tag uint64, p []byte) error {
	peer, err := c.self.bus.lookup(c.peerRank)
	if err != nil {
		return err
	}
	// The sender may reuse p immediately, so the bus owns a copy.
	data := make([]byte, len(p))
	copy(data, p)
	return peer.mb.deliver(strconv.Itoa(c.self.worldRank), tag, data)
}

func (c *inprocConn) Recv(ctx context.Context, tag uint64, dst []byte) (int, error) {
	msg, err := c.self.mb.recv(ctx, strconv.Itoa(c.peerRank), tag)
	if err != nil {
		return 0, err
	}
	if len(msg.data) > len(dst) {
		return 0, fmt.Errorf("%w: message of %d bytes exceeds %d byte buffer", kvstate.ErrTransport, len(msg.data), len(dst))
	}
	return copy(dst, msg.data), nil
}
