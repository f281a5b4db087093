// Package kvstate - Zustandsbeschreibungen fuer den KV-Cache-Transfer
//
// Dieses Modul enthaelt die unveraenderlichen Wert-Deskriptoren eines
// Teilnehmers:
// - DType: Elementtyp der Cache-Bloecke
// - CacheState: Modell-, Parallel- und Attention-Konfiguration
// - Strukturelle Gleichheit als Basis der Topologie-Verhandlung
package kvstate

import "fmt"

// DType is the element type of cache blocks. Only the byte width matters to
// the transfer layer; values are moved bit-identically.
type DType uint8

const (
	DTypeF64 DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeI16
	DTypeI8
	DTypeU8
)

// Size returns the element width in bytes.
func (t DType) Size() int {
	switch t {
	case DTypeF64:
		return 8
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16, DTypeI16:
		return 2
	case DTypeI8, DTypeU8:
		return 1
	}
	panic(fmt.Errorf("kvstate: unknown dtype %d", t))
}

func (t DType) String() string {
	switch t {
	case DTypeF64:
		return "f64"
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	case DTypeI16:
		return "i16"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	}
	return fmt.Sprintf("dtype(%d)", uint8(t))
}

// AttentionKind selects the cache-block layout.
type AttentionKind uint8

const (
	// AttentionDefault stores per-head key/value records sharded across TP.
	AttentionDefault AttentionKind = iota

	// AttentionMLA stores a compressed low-rank representation that is not
	// partitioned by head; every participating TP rank holds the full
	// per-token record.
	AttentionMLA
)

func (k AttentionKind) String() string {
	if k == AttentionMLA {
		return "mla"
	}
	return "default"
}

// ModelConfig describes the cache geometry of one participant.
type ModelConfig struct {
	// NumLayers is the total attention layer count of the model, before
	// pipeline sharding.
	NumLayers int

	// KVHeadsPerRank is the head count each rank's cache actually holds.
	// When TP exceeds the model head count the heads are already duplicated
	// into this figure; under MLA or DP-attention it is the full head count.
	KVHeadsPerRank int

	// HeadSize is the hidden dimension per head (elements, not bytes).
	HeadSize int

	// TokensPerBlock is the token capacity of one cache block.
	TokensPerBlock int
}

// ParallelConfig describes how the participant's ranks are laid out.
type ParallelConfig struct {
	TPSize int
	PPSize int

	// EnableAttentionDP marks data-parallel attention: TP ranks serve
	// different requests with full per-request state instead of sharding one
	// request's heads.
	EnableAttentionDP bool
	DPRank            int
	DPSize            int
}

// AttentionConfig describes the cached representation.
type AttentionConfig struct {
	Kind AttentionKind

	// KVFactor is 1 when only a key (or combined) record is cached, 2 when
	// key and value are cached separately.
	KVFactor int
}

// CacheState is the immutable descriptor of a participant's model, cache and
// parallel configuration. Two structurally equal states need no
// reformatting; anything else goes through a CacheFormatter.
type CacheState struct {
	Model     ModelConfig
	Parallel  ParallelConfig
	Attention AttentionConfig
	DType     DType
}

// NewCacheState validates and builds a CacheState. It fails fast on
// geometry that can never map cleanly onto any peer.
func NewCacheState(model ModelConfig, parallel ParallelConfig, attention AttentionConfig, dtype DType) (*CacheState, error) {
	if model.NumLayers <= 0 || model.KVHeadsPerRank <= 0 || model.HeadSize <= 0 || model.TokensPerBlock <= 0 {
		return nil, fmt.Errorf("%w: non-positive model geometry %+v", ErrConfiguration, model)
	}
	if parallel.TPSize <= 0 || parallel.PPSize <= 0 {
		return nil, fmt.Errorf("%w: non-positive parallelism tp=%d pp=%d", ErrConfiguration, parallel.TPSize, parallel.PPSize)
	}
	if model.NumLayers%parallel.PPSize != 0 {
		return nil, fmt.Errorf("%w: %d layers not divisible by pp=%d", ErrConfiguration, model.NumLayers, parallel.PPSize)
	}
	if attention.KVFactor != 1 && attention.KVFactor != 2 {
		return nil, fmt.Errorf("%w: kv factor must be 1 or 2, got %d", ErrConfiguration, attention.KVFactor)
	}
	if parallel.EnableAttentionDP {
		if parallel.DPSize <= 0 || parallel.TPSize%parallel.DPSize != 0 {
			return nil, fmt.Errorf("%w: tp=%d not divisible by dp group count %d", ErrConfiguration, parallel.TPSize, parallel.DPSize)
		}
		if parallel.DPRank < 0 || parallel.DPRank >= parallel.DPSize {
			return nil, fmt.Errorf("%w: dp rank %d out of range [0,%d)", ErrConfiguration, parallel.DPRank, parallel.DPSize)
		}
	}

	return &CacheState{Model: model, Parallel: parallel, Attention: attention, DType: dtype}, nil
}

// TPSizePerDPGroup is the tensor-parallel width inside one DP group; the
// whole TP width when DP-attention is off.
func (s *CacheState) TPSizePerDPGroup() int {
	if s.Parallel.EnableAttentionDP {
		return s.Parallel.TPSize / s.Parallel.DPSize
	}
	return s.Parallel.TPSize
}

// LayersPerPPRank is the layer count each pipeline stage holds.
func (s *CacheState) LayersPerPPRank() int {
	return s.Model.NumLayers / s.Parallel.PPSize
}

// BytesPerToken is the per-token record size of one rank's cache:
// layers held locally x kv factor x local heads x head size x element width.
func (s *CacheState) BytesPerToken() int {
	return s.LayersPerPPRank() * s.Attention.KVFactor * s.Model.KVHeadsPerRank * s.Model.HeadSize * s.DType.Size()
}

// Equal reports structural equality. It is the public comparison callers
// use to decide whether formatting is needed at all.
func (s *CacheState) Equal(o *CacheState) bool {
	if s == nil || o == nil {
		return s == o
	}
	return *s == *o
}

func (s *CacheState) String() string {
	return fmt.Sprintf("layers=%d heads=%d headSize=%d tokensPerBlock=%d tp=%d pp=%d dtype=%s attention=%s kvFactor=%d dp=%t dpRank=%d dpSize=%d",
		s.Model.NumLayers, s.Model.KVHeadsPerRank, s.Model.HeadSize, s.Model.TokensPerBlock,
		s.Parallel.TPSize, s.Parallel.PPSize, s.DType, s.Attention.Kind, s.Attention.KVFactor,
		s.Parallel.EnableAttentionDP, s.Parallel.DPRank, s.Parallel.DPSize)
}
