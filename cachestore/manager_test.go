// MODUL: manager_test
// ZWECK: Tests fuer Pool-Verwaltung und Sequenz-Lebenszyklus

package cachestore

import (
	"errors"
	"testing"

	"github.com/kvbridge/kvbridge/kvstate"
)

func testState(t *testing.T) *kvstate.CacheState {
	t.Helper()
	s, err := kvstate.NewCacheState(
		kvstate.ModelConfig{NumLayers: 8, KVHeadsPerRank: 2, HeadSize: 4, TokensPerBlock: 8},
		kvstate.ParallelConfig{TPSize: 1, PPSize: 1},
		kvstate.AttentionConfig{Kind: kvstate.AttentionDefault, KVFactor: 2},
		kvstate.DTypeI8,
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestManagerPoolsMustCoverLayers(t *testing.T) {
	state := testState(t)

	if _, err := NewManager(state, []PoolSpec{{NumLayers: 6, NumBlocks: 4}}); !errors.Is(err, kvstate.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration for uncovered layers", err)
	}
	if _, err := NewManager(state, []PoolSpec{
		{NumLayers: 6, NumBlocks: 4},
		{NumLayers: 2, WindowTokens: 16, NumBlocks: 4},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSequenceLifecycle(t *testing.T) {
	m, err := NewManager(testState(t), []PoolSpec{{NumLayers: 8, NumBlocks: 4}})
	if err != nil {
		t.Fatal(err)
	}

	// 20 tokens at 8 per block need 3 blocks.
	if err := m.AddSequence(1, 20); err != nil {
		t.Fatal(err)
	}
	if !m.HasSequence(1) {
		t.Error("sequence 1 missing after AddSequence")
	}
	if n, err := m.NumTokens(1); err != nil || n != 20 {
		t.Errorf("NumTokens = %d, %v; want 20", n, err)
	}

	ids, err := m.BlockIDs(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("reserved %d blocks, want 3", len(ids))
	}

	// Only one block left; a two-block sequence must fail without leaking
	// the partial reservation.
	if err := m.AddSequence(2, 16); !errors.Is(err, ErrNoFreeBlocks) {
		t.Errorf("got %v, want ErrNoFreeBlocks", err)
	}
	if m.HasSequence(2) {
		t.Error("failed AddSequence left sequence behind")
	}
	if err := m.AddSequence(3, 8); err != nil {
		t.Errorf("single free block not usable after rollback: %v", err)
	}

	m.RemoveSequence(1)
	if m.HasSequence(1) {
		t.Error("sequence 1 still present after RemoveSequence")
	}
	if err := m.AddSequence(4, 20); err != nil {
		t.Errorf("blocks not returned to free list: %v", err)
	}
}

func TestTokenRangeWindow(t *testing.T) {
	m, err := NewManager(testState(t), []PoolSpec{
		{NumLayers: 6, NumBlocks: 8},
		{NumLayers: 2, WindowTokens: 16, NumBlocks: 8},
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		pool, tokens, start, end int
	}{
		{0, 40, 0, 40},
		{1, 40, 24, 40},
		{1, 10, 0, 10},
		{1, 16, 0, 16},
	}
	for _, tt := range cases {
		if start, end := m.TokenRange(tt.pool, tt.tokens); start != tt.start || end != tt.end {
			t.Errorf("TokenRange(%d, %d) = [%d,%d), want [%d,%d)", tt.pool, tt.tokens, start, end, tt.start, tt.end)
		}
	}

	// The window pool reserves blocks for the window only: 16 tokens = 2
	// blocks against 5 blocks for the full pool.
	if err := m.AddSequence(1, 40); err != nil {
		t.Fatal(err)
	}
	full, _ := m.BlockIDs(0, 1)
	window, _ := m.BlockIDs(1, 1)
	if len(full) != 5 || len(window) != 2 {
		t.Errorf("reserved %d/%d blocks, want 5/2", len(full), len(window))
	}
}

func TestBlockBytesAliasStorage(t *testing.T) {
	m, err := NewManager(testState(t), []PoolSpec{{NumLayers: 8, NumBlocks: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddSequence(7, 8); err != nil {
		t.Fatal(err)
	}

	r, err := AllBlocks(m, 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("range holds %d blocks, want 1", r.Len())
	}

	r.Bytes(0)[0] = 0xab
	ids, _ := m.BlockIDs(0, 7)
	if got := m.BlockBytes(0, ids[0])[0]; got != 0xab {
		t.Errorf("write through BlockRange not visible in storage: %#x", got)
	}
}
