package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kvbridge/kvbridge/cachestore"
	"github.com/kvbridge/kvbridge/kvstate"
	"github.com/kvbridge/kvbridge/topology"
	"github.com/kvbridge/kvbridge/transport"
)

// DataSender is the context side of one handoff: it collects the
// generation group's RequestInfo messages, then pushes the local shard to
// every mapped peer rank.
type DataSender interface {
	// RecvRequestInfo blocks for the next RequestInfo from any generation
	// rank and records the connection it arrived on.
	RecvRequestInfo(ctx context.Context) (kvstate.RequestInfo, error)

	// SendSync transfers the request's blocks to all mapped peer ranks and
	// returns when every chunk is on the wire. Ranks holding a duplicated
	// shard that is not canonical send nothing.
	SendSync(ctx context.Context, req *Request) error

	// CommState describes how peers reach this group.
	CommState() kvstate.CommState

	// CounterpartsCount returns how many peer ranks participate in the
	// request, known once its first RequestInfo arrived.
	CounterpartsCount(requestID uint64) (int, error)

	// ReceivedCount returns how many distinct counterparts have announced
	// the request so far.
	ReceivedCount(requestID uint64) int

	// Release drops the request's session state.
	Release(requestID uint64)
}

type senderSession struct {
	peer     kvstate.TransceiverState
	conns    map[int]transport.Connection
	expected int
}

// Sender implements DataSender on a transport manager and a local block
// store.
type Sender struct {
	manager   transport.Manager
	store     *cachestore.Manager
	rank      int
	formatter Formatter
	buffers   *BufferPool

	mu       sync.Mutex
	sessions map[uint64]*senderSession
}

func NewSender(manager transport.Manager, store *cachestore.Manager, rank int, buffers *BufferPool) *Sender {
	return &Sender{
		manager:   manager,
		store:     store,
		rank:      rank,
		formatter: NewFormatter(store, rank),
		buffers:   buffers,
		sessions:  make(map[uint64]*senderSession),
	}
}

func (s *Sender) CommState() kvstate.CommState {
	return s.manager.CommState()
}

func (s *Sender) RecvRequestInfo(ctx context.Context) (kvstate.RequestInfo, error) {
	conn, data, err := s.manager.RecvAny(ctx, transport.TagRequestInfo)
	if err != nil {
		return kvstate.RequestInfo{}, err
	}

	info, err := kvstate.DeserializeRequestInfo(data)
	if err != nil {
		return kvstate.RequestInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[info.RequestID]
	if !ok {
		target, err := topology.TargetRanks(s.store.State(), &info.State.Cache, s.rank)
		if err != nil {
			return kvstate.RequestInfo{}, err
		}
		sess = &senderSession{
			peer:     info.State,
			conns:    make(map[int]transport.Connection, len(target.Ranks)),
			expected: len(target.Ranks),
		}
		s.sessions[info.RequestID] = sess
	}
	// The peer's position in its own group identifies which counterpart
	// this connection reaches.
	sess.conns[info.State.Comm.SelfIdx] = conn

	slog.Debug("request info received", "requestID", info.RequestID,
		"peerRank", info.State.Comm.SelfIdx, "counterparts", sess.expected)
	return info, nil
}

func (s *Sender) CounterpartsCount(requestID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requestID]
	if !ok {
		return 0, fmt.Errorf("%w: no request info for request %d", kvstate.ErrProtocolDesync, requestID)
	}
	return sess.expected, nil
}

func (s *Sender) ReceivedCount(requestID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requestID]
	if !ok {
		return 0
	}
	return len(sess.conns)
}

func (s *Sender) Release(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, requestID)
}

func (s *Sender) SendSync(ctx context.Context, req *Request) error {
	s.mu.Lock()
	sess, ok := s.sessions[req.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no request info for request %d", kvstate.ErrProtocolDesync, req.ID)
	}

	reserved, err := s.store.NumTokens(req.ID)
	if err != nil {
		return err
	}
	if req.NumTokens != reserved {
		return fmt.Errorf("%w: request %d announces %d tokens but %d are reserved", kvstate.ErrConfiguration, req.ID, req.NumTokens, reserved)
	}

	peerCache := &sess.peer.Cache
	need, err := topology.NeedSendCache(s.store.State(), peerCache, s.rank)
	if err != nil {
		return err
	}
	if !need {
		slog.Debug("shard duplicated elsewhere, not sending", "requestID", req.ID, "rank", s.rank)
		return nil
	}

	target, err := topology.TargetRanks(s.store.State(), peerCache, s.rank)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peerRank := range target.Ranks {
		peerRank := peerRank
		s.mu.Lock()
		conn := sess.conns[peerRank]
		s.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("%w: request %d has no connection to peer rank %d", kvstate.ErrProtocolDesync, req.ID, peerRank)
		}

		g.Go(func() error {
			buf, err := s.buffers.Acquire(gctx)
			if err != nil {
				return err
			}
			defer s.buffers.Release(buf)

			n, err := s.formatter.Pack(req.ID, peerCache, peerRank, buf)
			if err != nil {
				return err
			}
			return conn.Send(gctx, transport.DataTag(req.ID), buf[:n])
		})
	}
	return g.Wait()
}
