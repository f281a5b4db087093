package cachestore

// BlockRange walks the blocks reserved for one sequence in one pool, in
// token order.
type BlockRange struct {
	m       *Manager
	poolIdx int
	ids     []int
}

// AllBlocks returns the full block range of a sequence in pool poolIdx.
func AllBlocks(m *Manager, poolIdx int, requestID uint64) (BlockRange, error) {
	ids, err := m.BlockIDs(poolIdx, requestID)
	if err != nil {
		return BlockRange{}, err
	}
	return BlockRange{m: m, poolIdx: poolIdx, ids: ids}, nil
}

// Len returns the block count.
func (r BlockRange) Len() int { return len(r.ids) }

// Bytes returns the backing bytes of the i-th block of the range.
func (r BlockRange) Bytes(i int) []byte {
	return r.m.BlockBytes(r.poolIdx, r.ids[i])
}
