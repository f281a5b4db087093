// Package topology - Rank-Mapping zwischen asymmetrischen Topologien
//
// Dieses Modul entscheidet, mit welchen Gegenstellen-Raengen ein lokaler
// Rank Daten austauschen muss, wenn Context- und Generation-Seite mit
// unterschiedlichen TP/PP/DP-Graden konfiguriert sind:
// - TargetRanks: Gegenstellen-Raenge plus PP/TP-Domaenengroessen
// - NeedSendCache: Dedup-Entscheidung fuer replizierte Shards
package topology

import (
	"fmt"

	"github.com/kvbridge/kvbridge/kvstate"
)

// TargetInfo is derived fresh per (self topology, peer topology, self rank)
// triple and never stored: it must be recomputed whenever either side's
// CacheState changes.
type TargetInfo struct {
	// Ranks are the peer ranks this rank exchanges data with, enumerated
	// TP-major with PP varying fastest. This order is canonical; fan-in
	// receivers rely on it only for bookkeeping, never for byte layout.
	Ranks []int

	// DomainPPSize and DomainTPSize are the fan-out/fan-in multiplicities
	// along each axis; 1 means the axes line up.
	DomainPPSize int
	DomainTPSize int

	// DupHeadFactor is the size of the duplication group this rank belongs
	// to relative to the peer: DupHeadFactor consecutive local TP ranks hold
	// byte-identical data as far as the peer is concerned. PeerDupHeadFactor
	// is the same figure seen from the other direction.
	DupHeadFactor     int
	PeerDupHeadFactor int
}

// TargetRanks maps selfRank under the self topology onto the peer topology.
// Layers are sharded evenly across PP ranks; heads across TP ranks unless
// the layout is low-rank or DP-attention is enabled, in which case every
// participating TP rank carries the full per-token record and the
// duplication factors express the replication instead.
func TargetRanks(self, peer *kvstate.CacheState, selfRank int) (TargetInfo, error) {
	var info TargetInfo

	selfTP, selfPP := self.Parallel.TPSize, self.Parallel.PPSize
	peerTP, peerPP := peer.Parallel.TPSize, peer.Parallel.PPSize
	if selfRank < 0 || selfRank >= selfTP*selfPP {
		return info, fmt.Errorf("%w: rank %d out of range for tp=%d pp=%d", kvstate.ErrConfiguration, selfRank, selfTP, selfPP)
	}

	selfTPRank := selfRank % selfTP
	selfPPRank := selfRank / selfTP

	// Pipeline axis: the finer side's ranks map by integer-ratio block
	// grouping onto the coarser side's layer ranges.
	domainPP := 1
	peerPPStart := 0
	switch {
	case selfPP <= peerPP:
		if peerPP%selfPP != 0 {
			return info, fmt.Errorf("%w: pipeline sizes %d and %d not divisible", kvstate.ErrConfiguration, selfPP, peerPP)
		}
		domainPP = peerPP / selfPP
		peerPPStart = selfPPRank * domainPP
	default:
		if selfPP%peerPP != 0 {
			return info, fmt.Errorf("%w: pipeline sizes %d and %d not divisible", kvstate.ErrConfiguration, selfPP, peerPP)
		}
		peerPPStart = selfPPRank / (selfPP / peerPP)
	}

	// Tensor axis: the same ratio rule applied inside one DP group. Under
	// DP-attention different TP ranks serve different requests, so the peer
	// group is selected by the peer's DP rank and only the in-group position
	// participates in the ratio.
	selfTPGroup := self.TPSizePerDPGroup()
	peerTPGroup := peer.TPSizePerDPGroup()
	selfTPRankInGroup := selfTPRank % selfTPGroup

	peerDPRank := 0
	if peer.Parallel.EnableAttentionDP {
		peerDPRank = peer.Parallel.DPRank
	}

	domainTP := 1
	peerTPStart := peerDPRank * peerTPGroup
	switch {
	case selfTPGroup <= peerTPGroup:
		if peerTPGroup%selfTPGroup != 0 {
			return info, fmt.Errorf("%w: tensor group sizes %d and %d not divisible", kvstate.ErrConfiguration, selfTPGroup, peerTPGroup)
		}
		domainTP = peerTPGroup / selfTPGroup
		peerTPStart += selfTPRankInGroup * domainTP
	default:
		if selfTPGroup%peerTPGroup != 0 {
			return info, fmt.Errorf("%w: tensor group sizes %d and %d not divisible", kvstate.ErrConfiguration, selfTPGroup, peerTPGroup)
		}
		peerTPStart += selfTPRankInGroup / (selfTPGroup / peerTPGroup)
	}

	ranks := make([]int, 0, domainTP*domainPP)
	for i := peerTPStart; i < peerTPStart+domainTP; i++ {
		for j := peerPPStart; j < peerPPStart+domainPP; j++ {
			ranks = append(ranks, j*peerTP+i)
		}
	}

	selfDup, peerDup, err := dupFactors(self, peer)
	if err != nil {
		return info, err
	}

	return TargetInfo{
		Ranks:             ranks,
		DomainPPSize:      domainPP,
		DomainTPSize:      domainTP,
		DupHeadFactor:     selfDup,
		PeerDupHeadFactor: peerDup,
	}, nil
}

// dupFactors compares the per-DP-group head slots of both sides. The side
// with more slots holds duplicated data: either literal head duplication
// (TP exceeding the model head count) or full-record replication under the
// low-rank layout, where KVHeadsPerRank is the full head count on every
// rank and the slot ratio collapses to the TP ratio.
func dupFactors(self, peer *kvstate.CacheState) (selfDup, peerDup int, err error) {
	selfSlots := self.Model.KVHeadsPerRank * self.TPSizePerDPGroup()
	peerSlots := peer.Model.KVHeadsPerRank * peer.TPSizePerDPGroup()

	selfDup, peerDup = 1, 1
	switch {
	case selfSlots > peerSlots:
		if selfSlots%peerSlots != 0 {
			return 0, 0, fmt.Errorf("%w: head slots %d and %d not divisible", kvstate.ErrConfiguration, selfSlots, peerSlots)
		}
		selfDup = selfSlots / peerSlots
	case peerSlots > selfSlots:
		if peerSlots%selfSlots != 0 {
			return 0, 0, fmt.Errorf("%w: head slots %d and %d not divisible", kvstate.ErrConfiguration, peerSlots, selfSlots)
		}
		peerDup = peerSlots / selfSlots
	}
	return selfDup, peerDup, nil
}

// NeedSendCache decides whether a serving rank transmits at all. Ranks
// inside one duplication group hold byte-identical shards; the lowest
// in-group rank is the canonical sender. Fan-in groups have a duplication
// factor of 1, so every contributing rank sends.
func NeedSendCache(self, peer *kvstate.CacheState, selfRank int) (bool, error) {
	selfDup, _, err := dupFactors(self, peer)
	if err != nil {
		return false, err
	}
	selfTPRankInGroup := (selfRank % self.Parallel.TPSize) % self.TPSizePerDPGroup()
	return selfTPRankInGroup%selfDup == 0, nil
}
