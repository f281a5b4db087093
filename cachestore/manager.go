// Package cachestore - Block-Pool-Verwaltung fuer den KV-Cache
//
// Dieses Modul verwaltet die lokalen Cache-Bloecke eines Ranks:
// - Pools mit optionalem Sliding-Window pro Layer-Gruppe
// - Sequenz-Lebenszyklus: AddSequence/RemoveSequence
// - Block-Lookup fuer die Transfer-Schicht
// Die Transfer-Schicht liest oder schreibt nur Bloecke, die hier bereits
// fuer die Sequenz reserviert wurden; Eviction-Politik lebt ausserhalb.
package cachestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kvbridge/kvbridge/kvstate"
)

var (
	ErrNoFreeBlocks    = errors.New("cachestore: no free blocks")
	ErrUnknownSequence = errors.New("cachestore: unknown sequence")
)

// PoolSpec sizes one block pool. NumLayers is the rank-local layer count
// served by this pool; WindowTokens limits the pool to the trailing window
// of a sequence, 0 keeps every token.
type PoolSpec struct {
	NumLayers    int
	WindowTokens int
	NumBlocks    int
}

// Pool is one allocated block pool. Blocks are laid out
// [layer][kv][head][token][hidden] with the pool's local layer count.
type Pool struct {
	Spec          PoolSpec
	BytesPerBlock int

	data []byte
	free []int
}

// Manager owns the block storage of one rank and the sequence -> block-list
// mapping the transfer layer consumes. All methods are safe for concurrent
// use; block byte slices stay valid until the owning sequence is removed.
type Manager struct {
	state *kvstate.CacheState

	mu    sync.Mutex
	pools []*Pool
	seqs  map[uint64]*sequence
}

type sequence struct {
	numTokens int
	blocks    [][]int // per pool, in token order
}

// NewManager allocates the pools for one rank. The specs' layer counts must
// add up to the rank's local layer share.
func NewManager(state *kvstate.CacheState, specs []PoolSpec) (*Manager, error) {
	layers := 0
	for _, spec := range specs {
		if spec.NumLayers <= 0 || spec.NumBlocks <= 0 {
			return nil, fmt.Errorf("%w: bad pool spec %+v", kvstate.ErrConfiguration, spec)
		}
		layers += spec.NumLayers
	}
	if layers != state.LayersPerPPRank() {
		return nil, fmt.Errorf("%w: pools cover %d layers, rank holds %d", kvstate.ErrConfiguration, layers, state.LayersPerPPRank())
	}

	m := &Manager{state: state, seqs: make(map[uint64]*sequence)}
	for _, spec := range specs {
		bytesPerBlock := spec.NumLayers * state.Attention.KVFactor * state.Model.KVHeadsPerRank *
			state.Model.TokensPerBlock * state.Model.HeadSize * state.DType.Size()
		p := &Pool{
			Spec:          spec,
			BytesPerBlock: bytesPerBlock,
			data:          make([]byte, spec.NumBlocks*bytesPerBlock),
			free:          make([]int, 0, spec.NumBlocks),
		}
		for i := spec.NumBlocks - 1; i >= 0; i-- {
			p.free = append(p.free, i)
		}
		m.pools = append(m.pools, p)
	}
	return m, nil
}

// State returns the cache descriptor this store was sized for.
func (m *Manager) State() *kvstate.CacheState { return m.state }

// NumPools returns the pool count.
func (m *Manager) NumPools() int { return len(m.pools) }

// PoolSpecAt returns the spec of pool i.
func (m *Manager) PoolSpecAt(i int) PoolSpec { return m.pools[i].Spec }

// TokenRange returns the token interval [start, end) pool i holds for a
// sequence of numTokens tokens: everything for full-attention pools, the
// trailing window otherwise.
func (m *Manager) TokenRange(i, numTokens int) (start, end int) {
	w := m.pools[i].Spec.WindowTokens
	if w > 0 && numTokens > w {
		return numTokens - w, numTokens
	}
	return 0, numTokens
}

// AddSequence reserves blocks in every pool for a sequence of numTokens
// tokens. Either every pool gets its blocks or nothing is reserved.
func (m *Manager) AddSequence(requestID uint64, numTokens int) error {
	if numTokens <= 0 {
		return fmt.Errorf("%w: sequence %d has %d tokens", kvstate.ErrConfiguration, requestID, numTokens)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seqs[requestID]; ok {
		panic(fmt.Errorf("cachestore: sequence %d already added", requestID))
	}

	seq := &sequence{numTokens: numTokens, blocks: make([][]int, len(m.pools))}
	for i, p := range m.pools {
		start, end := m.TokenRange(i, numTokens)
		need := (end - start + m.state.Model.TokensPerBlock - 1) / m.state.Model.TokensPerBlock
		if need > len(p.free) {
			m.releaseLocked(seq)
			return fmt.Errorf("%w (pool %d: need %d, free %d)", ErrNoFreeBlocks, i, need, len(p.free))
		}
		for n := 0; n < need; n++ {
			id := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			seq.blocks[i] = append(seq.blocks[i], id)
		}
	}
	m.seqs[requestID] = seq
	return nil
}

// RemoveSequence returns a sequence's blocks to the free lists. The caller
// must not remove a sequence while a transfer still references it; the
// responder signals this through its counterparts-remaining count.
func (m *Manager) RemoveSequence(requestID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.seqs[requestID]
	if !ok {
		return
	}
	m.releaseLocked(seq)
	delete(m.seqs, requestID)
}

func (m *Manager) releaseLocked(seq *sequence) {
	for i, ids := range seq.blocks {
		m.pools[i].free = append(m.pools[i].free, ids...)
	}
	seq.blocks = make([][]int, len(m.pools))
}

// HasSequence reports whether blocks are reserved for the request.
func (m *Manager) HasSequence(requestID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seqs[requestID]
	return ok
}

// NumTokens returns the token count a sequence was reserved for.
func (m *Manager) NumTokens(requestID uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.seqs[requestID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSequence, requestID)
	}
	return seq.numTokens, nil
}

// BlockIDs returns the ordered block list of a sequence in pool poolIdx.
func (m *Manager) BlockIDs(poolIdx int, requestID uint64) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.seqs[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSequence, requestID)
	}
	return append([]int(nil), seq.blocks[poolIdx]...), nil
}

// BlockBytes returns the backing bytes of one block. The slice aliases the
// pool storage: writes land directly in the cache.
func (m *Manager) BlockBytes(poolIdx, blockID int) []byte {
	p := m.pools[poolIdx]
	return p.data[blockID*p.BytesPerBlock : (blockID+1)*p.BytesPerBlock]
}
