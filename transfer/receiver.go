package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kvbridge/kvbridge/cachestore"
	"github.com/kvbridge/kvbridge/kvstate"
	"github.com/kvbridge/kvbridge/topology"
	"github.com/kvbridge/kvbridge/transport"
)

// TransferSession is one announced request on the generation side: the
// peer ranks that will actually transmit, with a live connection to each.
type TransferSession struct {
	Request *Request

	peer  kvstate.TransceiverState
	conns map[int]transport.Connection
}

// DataReceiver is the generation side of one handoff.
type DataReceiver interface {
	// SendRequestInfo announces the request to every mapped context rank,
	// including ranks that hold only duplicated shards: those still account
	// for the request even though they stay silent afterwards.
	SendRequestInfo(ctx context.Context, req *Request) (*TransferSession, error)

	// ReceiveSync collects one chunk from every transmitting rank of the
	// session and scatters them into the local blocks.
	ReceiveSync(ctx context.Context, sess *TransferSession) error
}

// Receiver implements DataReceiver on a transport manager and a local
// block store.
type Receiver struct {
	manager   transport.Manager
	store     *cachestore.Manager
	rank      int
	formatter Formatter
	buffers   *BufferPool
}

func NewReceiver(manager transport.Manager, store *cachestore.Manager, rank int, buffers *BufferPool) *Receiver {
	return &Receiver{
		manager:   manager,
		store:     store,
		rank:      rank,
		formatter: NewFormatter(store, rank),
		buffers:   buffers,
	}
}

func (r *Receiver) SendRequestInfo(ctx context.Context, req *Request) (*TransferSession, error) {
	if req.PeerState == nil {
		return nil, fmt.Errorf("%w: request %d carries no context-phase state", kvstate.ErrConfiguration, req.ID)
	}
	peer := req.PeerState

	reserved, err := r.store.NumTokens(req.ID)
	if err != nil {
		return nil, err
	}
	if req.NumTokens != reserved {
		return nil, fmt.Errorf("%w: request %d announces %d tokens but %d are reserved", kvstate.ErrConfiguration, req.ID, req.NumTokens, reserved)
	}
	if got, want := peer.Comm.GroupSize(), peer.Cache.Parallel.TPSize*peer.Cache.Parallel.PPSize; got < want {
		return nil, fmt.Errorf("%w: peer comm state addresses %d ranks, topology has %d", kvstate.ErrConfiguration, got, want)
	}

	target, err := topology.TargetRanks(r.store.State(), &peer.Cache, r.rank)
	if err != nil {
		return nil, err
	}

	conns, err := r.manager.Connect(peer.Comm)
	if err != nil {
		return nil, err
	}

	info := kvstate.RequestInfo{
		RequestID: req.ID,
		State: kvstate.TransceiverState{
			Comm:  r.manager.CommState(),
			Cache: *r.store.State(),
		},
	}
	data, err := info.Serialize()
	if err != nil {
		return nil, err
	}

	sess := &TransferSession{
		Request: req,
		peer:    *peer,
		conns:   make(map[int]transport.Connection, len(target.Ranks)),
	}
	for _, peerRank := range target.Ranks {
		if err := conns[peerRank].Send(ctx, transport.TagRequestInfo, data); err != nil {
			return nil, err
		}

		need, err := topology.NeedSendCache(&peer.Cache, r.store.State(), peerRank)
		if err != nil {
			return nil, err
		}
		if need {
			sess.conns[peerRank] = conns[peerRank]
		}
	}

	// Every mapped rank duplicates its shard PeerDupHeadFactor times and
	// exactly one copy per duplication group transmits. If the counts do
	// not line up, some shard would never arrive and ReceiveSync would
	// wait forever.
	if len(sess.conns)*target.PeerDupHeadFactor != len(target.Ranks) {
		return nil, fmt.Errorf("%w: %d of %d mapped ranks hold a canonical shard at duplication factor %d",
			kvstate.ErrConfiguration, len(sess.conns), len(target.Ranks), target.PeerDupHeadFactor)
	}

	slog.Debug("request announced", "requestID", req.ID,
		"counterparts", len(target.Ranks), "senders", len(sess.conns))
	return sess, nil
}

func (r *Receiver) ReceiveSync(ctx context.Context, sess *TransferSession) error {
	req := sess.Request
	peerCache := &sess.peer.Cache

	g, gctx := errgroup.WithContext(ctx)
	for peerRank, conn := range sess.conns {
		peerRank, conn := peerRank, conn
		g.Go(func() error {
			want, err := r.formatter.ChunkSize(req.ID, peerCache, peerRank)
			if err != nil {
				return err
			}

			buf, err := r.buffers.Acquire(gctx)
			if err != nil {
				return err
			}
			defer r.buffers.Release(buf)
			if want > len(buf) {
				return fmt.Errorf("%w: chunk of %d bytes exceeds %d byte staging buffer, raise KVBRIDGE_MAX_TOKENS",
					kvstate.ErrConfiguration, want, len(buf))
			}

			n, err := conn.Recv(gctx, transport.DataTag(req.ID), buf)
			if err != nil {
				return err
			}
			if n != want {
				return fmt.Errorf("%w: expected %d bytes from rank %d, got %d", kvstate.ErrProtocolDesync, want, peerRank, n)
			}

			return r.formatter.Unpack(buf[:n], req.ID, peerCache, peerRank)
		})
	}
	return g.Wait()
}
