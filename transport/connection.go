// Package transport - Verbindungsabstraktion fuer den Cache-Transfer
//
// Dieses Modul definiert die schmale Grenze zu den konkreten Backends:
// - Connection: adressierbarer, pro Tag geordneter Byte-Kanal
// - Manager: Topologie-Discovery und Verbindungsaufbau
// - Tag-Schema fuer Kontroll- und Datennachrichten
// Konkrete Backends (inproc, agent) registrieren sich ueber die Registry.
package transport

import (
	"context"

	"github.com/kvbridge/kvbridge/kvstate"
)

// TagRequestInfo is the control tag carrying serialized RequestInfo
// records.
const TagRequestInfo uint64 = 0x1f

// DataTag returns the per-request tag cache bytes travel under. The high
// bit keeps the data tag space disjoint from control tags.
func DataTag(requestID uint64) uint64 {
	return requestID | 1<<63
}

// Connection is an ordered byte channel to one peer rank. Messages with
// the same tag arrive in send order; different tags are independent.
type Connection interface {
	// Send transmits p under tag. The buffer may be reused once Send
	// returns.
	Send(ctx context.Context, tag uint64, p []byte) error

	// Recv blocks for the next message from this peer under tag and copies
	// it into dst, returning the byte count. A message larger than dst is a
	// transport error.
	Recv(ctx context.Context, tag uint64, dst []byte) (int, error)
}

// Manager is one rank's handle on a transport backend.
type Manager interface {
	// RecvAny blocks for the next message under tag from any peer and
	// returns the connection it arrived on.
	RecvAny(ctx context.Context, tag uint64) (Connection, []byte, error)

	// Connect resolves a peer group's CommState into one connection per
	// rank, indexed by the peer group's rank position.
	Connect(state kvstate.CommState) ([]Connection, error)

	// CommState describes how peers reach this rank's group.
	CommState() kvstate.CommState

	// Close tears the endpoint down; blocked receives return transport
	// errors.
	Close() error
}
