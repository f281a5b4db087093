package topology

import (
	"fmt"

	"github.com/kvbridge/kvbridge/kvstate"
)

// Region is the overlap between one source rank's shard and one destination
// rank's shard, in the coordinate system both sides share: global layer
// indices, and head indices measured on the less-replicated side (ranks in
// a duplication group occupy distinct coordinates there but carry identical
// bytes, so transfers stay consistent without either side knowing the
// model's true head count).
type Region struct {
	LayerStart int
	LayerCount int
	HeadStart  int
	HeadCount  int
}

// TransferRegion computes the layer and head ranges that flow between a
// concrete (source rank, destination rank) pair. Both sides derive the same
// region independently, which is what makes a transmitted chunk
// self-describing without a header.
func TransferRegion(src *kvstate.CacheState, srcRank int, dst *kvstate.CacheState, dstRank int) (Region, error) {
	layerStart, layerCount, err := PoolLayerOverlap(src, srcRank, src.LayersPerPPRank(), dst, dstRank)
	if err != nil {
		return Region{}, err
	}
	headStart, headCount, err := HeadOverlap(src, srcRank, dst, dstRank)
	if err != nil {
		return Region{}, err
	}
	return Region{
		LayerStart: layerStart,
		LayerCount: layerCount,
		HeadStart:  headStart,
		HeadCount:  headCount,
	}, nil
}

// PoolLayerOverlap intersects the layer shards of selfRank and peerRank
// inside one pool's global layer space. localLayers is the pool's per-rank
// layer count on the self side; the peer's count follows from the pipeline
// ratio, so both participants derive identical coordinates from their own
// local view.
func PoolLayerOverlap(self *kvstate.CacheState, selfRank, localLayers int, peer *kvstate.CacheState, peerRank int) (start, count int, err error) {
	total := localLayers * self.Parallel.PPSize
	if total%peer.Parallel.PPSize != 0 {
		return 0, 0, fmt.Errorf("%w: pool of %d layers not divisible across %d pipeline ranks",
			kvstate.ErrConfiguration, total, peer.Parallel.PPSize)
	}
	peerLocal := total / peer.Parallel.PPSize

	s := rankRange(selfRank/self.Parallel.TPSize, localLayers)
	p := rankRange(peerRank/peer.Parallel.TPSize, peerLocal)
	o, ok := s.intersect(p)
	if !ok {
		return 0, 0, fmt.Errorf("%w: ranks %d and %d share no layers (%v vs %v)",
			kvstate.ErrConfiguration, selfRank, peerRank, s, p)
	}
	return o.start, o.count, nil
}

// HeadOverlap intersects the head shards of selfRank and peerRank in the
// shared head coordinate system.
func HeadOverlap(self *kvstate.CacheState, selfRank int, peer *kvstate.CacheState, peerRank int) (start, count int, err error) {
	selfDup, peerDup, err := dupFactors(self, peer)
	if err != nil {
		return 0, 0, err
	}

	s := rankRange(((selfRank%self.Parallel.TPSize)%self.TPSizePerDPGroup())/selfDup, self.Model.KVHeadsPerRank)
	p := rankRange(((peerRank%peer.Parallel.TPSize)%peer.TPSizePerDPGroup())/peerDup, peer.Model.KVHeadsPerRank)
	o, ok := s.intersect(p)
	if !ok {
		return 0, 0, fmt.Errorf("%w: ranks %d and %d share no heads (%v vs %v)",
			kvstate.ErrConfiguration, selfRank, peerRank, s, p)
	}
	return o.start, o.count, nil
}

// OwnHeadStart is where selfRank's head shard begins in the coordinate
// system shared with peer. Subtracting it converts overlap coordinates to
// local head indices.
func OwnHeadStart(self *kvstate.CacheState, selfRank int, peer *kvstate.CacheState) (int, error) {
	selfDup, _, err := dupFactors(self, peer)
	if err != nil {
		return 0, err
	}
	return self.Model.KVHeadsPerRank * (((selfRank % self.Parallel.TPSize) % self.TPSizePerDPGroup()) / selfDup), nil
}

type span struct {
	start, count int
}

func rankRange(idx, per int) span {
	return span{start: idx * per, count: per}
}

func (s span) intersect(o span) (span, bool) {
	start := max(s.start, o.start)
	end := min(s.start+s.count, o.start+o.count)
	if end <= start {
		return span{}, false
	}
	return span{start: start, count: end - start}, true
}
