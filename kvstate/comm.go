package kvstate

import (
	"fmt"
	"strings"
)

// CommKind tags the CommState variant.
type CommKind uint8

const (
	// CommRanks addresses peers by rank id inside a shared communicator
	// (in-process bus, MPI-style transports).
	CommRanks CommKind = iota

	// CommSockets addresses peers by host:port rendezvous, one address per
	// rank (agent transport).
	CommSockets
)

func (k CommKind) String() string {
	switch k {
	case CommRanks:
		return "ranks"
	case CommSockets:
		return "sockets"
	default:
		return fmt.Sprintf("commkind(%d)", k)
	}
}

// CommState describes how to address the ranks of one process group. It is
// produced by a transport Manager and exchanged out-of-band at session
// setup; the transfer layer treats it as opaque addressing.
type CommState struct {
	Kind CommKind

	// Ranks are communicator rank ids, CommRanks only.
	Ranks []int

	// Addrs are "host:port" endpoints indexed by rank, CommSockets only.
	Addrs []string

	// SelfIdx is the position of the describing rank in Ranks/Addrs.
	SelfIdx int
}

// NewRanksCommState addresses a group by communicator rank ids.
func NewRanksCommState(ranks []int, selfIdx int) CommState {
	return CommState{Kind: CommRanks, Ranks: ranks, SelfIdx: selfIdx}
}

// NewSocketsCommState addresses a group by per-rank host:port endpoints.
func NewSocketsCommState(addrs []string, selfIdx int) CommState {
	return CommState{Kind: CommSockets, Addrs: addrs, SelfIdx: selfIdx}
}

// GroupSize is the number of addressable ranks.
func (c *CommState) GroupSize() int {
	if c.Kind == CommSockets {
		return len(c.Addrs)
	}
	return len(c.Ranks)
}

// Equal reports structural equality.
func (c *CommState) Equal(o *CommState) bool {
	if c.Kind != o.Kind || c.SelfIdx != o.SelfIdx {
		return false
	}
	if len(c.Ranks) != len(o.Ranks) || len(c.Addrs) != len(o.Addrs) {
		return false
	}
	for i := range c.Ranks {
		if c.Ranks[i] != o.Ranks[i] {
			return false
		}
	}
	for i := range c.Addrs {
		if c.Addrs[i] != o.Addrs[i] {
			return false
		}
	}
	return true
}

func (c *CommState) String() string {
	switch c.Kind {
	case CommSockets:
		return fmt.Sprintf("sockets(%s)[%d]", strings.Join(c.Addrs, ","), c.SelfIdx)
	default:
		return fmt.Sprintf("ranks(%v)[%d]", c.Ranks, c.SelfIdx)
	}
}

// TransceiverState bundles the addressing and cache layout of one
// participant. The generation side sends its own TransceiverState inside
// every RequestInfo; the context side captures its state at context-phase
// completion for the reverse direction.
type TransceiverState struct {
	Comm  CommState
	Cache CacheState
}

// Equal reports structural equality of both halves.
func (s *TransceiverState) Equal(o *TransceiverState) bool {
	return s.Comm.Equal(&o.Comm) && s.Cache.Equal(&o.Cache)
}
