package transfer

import (
	"fmt"

	"github.com/kvbridge/kvbridge/kvstate"
)

// MLAFormatter handles the low-rank layout: the compressed per-token
// record is not head-sharded, every TP rank of a group carries the full
// record and KVHeadsPerRank describes it in full on each side. Transfers
// therefore slice the layer axis only; the head overlap always spans the
// whole record and the TP ratio shows up purely as duplication.
type MLAFormatter struct {
	engine
}

func (f *MLAFormatter) Pack(requestID uint64, peer *kvstate.CacheState, peerRank int, dst []byte) (int, error) {
	if err := f.check(peer); err != nil {
		return 0, err
	}
	return f.run(requestID, peer, peerRank, dst, true)
}

func (f *MLAFormatter) Unpack(chunk []byte, requestID uint64, peer *kvstate.CacheState, peerRank int) error {
	if err := f.check(peer); err != nil {
		return err
	}
	n, err := f.run(requestID, peer, peerRank, chunk, false)
	if err != nil {
		return err
	}
	if n != len(chunk) {
		return fmt.Errorf("%w: %d trailing bytes in chunk from rank %d", kvstate.ErrSerialization, len(chunk)-n, peerRank)
	}
	return nil
}

func (f *MLAFormatter) ChunkSize(requestID uint64, peer *kvstate.CacheState, peerRank int) (int, error) {
	if err := f.check(peer); err != nil {
		return 0, err
	}
	return f.size(requestID, peer, peerRank)
}

func (f *MLAFormatter) check(peer *kvstate.CacheState) error {
	self := f.store.State()
	if self.Attention.Kind != kvstate.AttentionMLA {
		return fmt.Errorf("%w: low-rank formatter on %s layout", kvstate.ErrConfiguration, self.Attention.Kind)
	}
	if peer.Attention.Kind != kvstate.AttentionMLA {
		return fmt.Errorf("%w: attention layouts differ (%s vs %s)", kvstate.ErrConfiguration, self.Attention.Kind, peer.Attention.Kind)
	}
	if peer.Model.KVHeadsPerRank != self.Model.KVHeadsPerRank {
		return fmt.Errorf("%w: low-rank record width differs (%d vs %d heads)", kvstate.ErrConfiguration, self.Model.KVHeadsPerRank, peer.Model.KVHeadsPerRank)
	}
	if peer.Attention.KVFactor != self.Attention.KVFactor || peer.DType != self.DType {
		return fmt.Errorf("%w: cache element layouts differ (%s kv=%d vs %s kv=%d)", kvstate.ErrConfiguration,
			self.DType, self.Attention.KVFactor, peer.DType, peer.Attention.KVFactor)
	}
	return nil
}
