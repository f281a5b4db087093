package transfer

import (
	"fmt"

	"github.com/kvbridge/kvbridge/cachestore"
	"github.com/kvbridge/kvbridge/kvstate"
	"github.com/kvbridge/kvbridge/topology"
)

// Formatter converts between the local block layout and the wire chunk
// exchanged with one peer rank. Chunks carry no header: both ends derive
// layer range, head range and token range from the two CacheStates, so a
// chunk is fully described by (requestID, self rank, peer rank).
//
// Wire order per chunk: pools in store order, global layers ascending, kv
// index, heads ascending, then tokens contiguous. Token-major innermost
// keeps the format independent of either side's block size.
type Formatter interface {
	// Pack gathers the bytes destined for peerRank into dst and returns the
	// chunk length.
	Pack(requestID uint64, peer *kvstate.CacheState, peerRank int, dst []byte) (int, error)

	// Unpack scatters a chunk received from peerRank into the local blocks.
	Unpack(chunk []byte, requestID uint64, peer *kvstate.CacheState, peerRank int) error

	// ChunkSize returns the exact chunk length exchanged with peerRank.
	ChunkSize(requestID uint64, peer *kvstate.CacheState, peerRank int) (int, error)
}

// NewFormatter picks the strategy matching the local attention layout.
func NewFormatter(store *cachestore.Manager, rank int) Formatter {
	e := engine{store: store, rank: rank}
	if store.State().Attention.Kind == kvstate.AttentionMLA {
		return &MLAFormatter{engine: e}
	}
	return &HeadShardFormatter{engine: e}
}

// HeadShardFormatter handles the default attention layout: heads are
// sharded across TP ranks and a transfer may slice both the layer and the
// head axis. When TP exceeds the head count the shards are duplicated and
// only the canonical rank of each duplication group transmits.
type HeadShardFormatter struct {
	engine
}

func (f *HeadShardFormatter) Pack(requestID uint64, peer *kvstate.CacheState, peerRank int, dst []byte) (int, error) {
	if err := f.check(peer); err != nil {
		return 0, err
	}
	return f.run(requestID, peer, peerRank, dst, true)
}

func (f *HeadShardFormatter) Unpack(chunk []byte, requestID uint64, peer *kvstate.CacheState, peerRank int) error {
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

func (f *HeadShardFormatter) ChunkSize(requestID uint64, peer *kvstate.CacheState, peerRank int) (int, error) {
	if err := f.check(peer); err != nil {
		return 0, err
	}
	return f.size(requestID, peer, peerRank)
}

func (f *HeadShardFormatter) check(peer *kvstate.CacheState) error {
	self := f.store.State()
	if peer.Attention.Kind != self.Attention.Kind {
		return fmt.Errorf("%w: attention layouts differ (%s vs %s)", kvstate.ErrConfiguration, self.Attention.Kind, peer.Attention.Kind)
	}
	if peer.Attention.KVFactor != self.Attention.KVFactor || peer.DType != self.DType {
		return fmt.Errorf("%w: cache element layouts differ (%s kv=%d vs %s kv=%d)", kvstate.ErrConfiguration,
			self.DType, self.Attention.KVFactor, peer.DType, peer.Attention.KVFactor)
	}
	return nil
}

// engine is the gather/scatter core shared by both strategies. The same
// loop packs and unpacks; only the copy direction differs, so the two ends
// of a transfer traverse the bytes identically.
type engine struct {
	store *cachestore.Manager
	rank  int
}

func (e *engine) run(requestID uint64, peer *kvstate.CacheState, peerRank int, chunk []byte, pack bool) (int, error) {
	self := e.store.State()
	numTokens, err := e.store.NumTokens(requestID)
	if err != nil {
		return 0, err
	}

	headStart, headCount, err := topology.HeadOverlap(self, e.rank, peer, peerRank)
	if err != nil {
		return 0, err
	}
	ownHeadStart, err := topology.OwnHeadStart(self, e.rank, peer)
	if err != nil {
		return 0, err
	}

	model := self.Model
	record := model.HeadSize * self.DType.Size()
	kvFactor := self.Attention.KVFactor
	off := 0

	for p := 0; p < e.store.NumPools(); p++ {
		spec := e.store.PoolSpecAt(p)
		layerStart, layerCount, err := topology.PoolLayerOverlap(self, e.rank, spec.NumLayers, peer, peerRank)
		if err != nil {
			return 0, err
		}
		ownLayerStart := (e.rank / self.Parallel.TPSize) * spec.NumLayers

		blocks, err := cachestore.AllBlocks(e.store, p, requestID)
		if err != nil {
			return 0, err
		}
		tokStart, tokEnd := e.store.TokenRange(p, numTokens)

		for l := layerStart; l < layerStart+layerCount; l++ {
			localLayer := l - ownLayerStart
			for kv := 0; kv < kvFactor; kv++ {
				for h := headStart; h < headStart+headCount; h++ {
					localHead := h - ownHeadStart
					rowBase := ((localLayer*kvFactor+kv)*model.KVHeadsPerRank + localHead) * model.TokensPerBlock * record

					// Tokens of one (layer, kv, head) row are contiguous
					// within a block, so each block contributes one run.
					for tok := tokStart; tok < tokEnd; {
						rel := tok - tokStart
						first := rel % model.TokensPerBlock
						run := min(model.TokensPerBlock-first, tokEnd-tok)
						n := run * record
						if off+n > len(chunk) {
							return 0, fmt.Errorf("%w: chunk truncated at byte %d", kvstate.ErrSerialization, off)
						}

						row := blocks.Bytes(rel / model.TokensPerBlock)[rowBase+first*record:]
						if pack {
							copy(chunk[off:off+n], row[:n])
						} else {
							copy(row[:n], chunk[off:off+n])
						}
						off += n
						tok += run
					}
				}
			}
		}
	}
	return off, nil
}

func (e *engine) size(requestID uint64, peer *kvstate.CacheState, peerRank int) (int, error) {
	self := e.store.State()
	numTokens, err := e.store.NumTokens(requestID)
	if err != nil {
		return 0, err
	}

	_, headCount, err := topology.HeadOverlap(self, e.rank, peer, peerRank)
	if err != nil {
		return 0, err
	}

	record := self.Model.HeadSize * self.DType.Size()
	total := 0
	for p := 0; p < e.store.NumPools(); p++ {
		spec := e.store.PoolSpecAt(p)
		_, layerCount, err := topology.PoolLayerOverlap(self, e.rank, spec.NumLayers, peer, peerRank)
		if err != nil {
			return 0, err
		}
		tokStart, tokEnd := e.store.TokenRange(p, numTokens)
		total += layerCount * self.Attention.KVFactor * headCount * (tokEnd - tokStart) * record
	}
	return total, nil
}
