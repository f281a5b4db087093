// MODUL: serialize_test
// ZWECK: Tests fuer die RequestInfo-Serialisierung
// HINWEISE: Prueft Roundtrip, Groessenangabe und defekte Eingaben

package kvstate

import (
	"errors"
	"testing"
)

func testCacheState(t *testing.T) *CacheState {
	t.Helper()
	s, err := NewCacheState(
		ModelConfig{NumLayers: 8, KVHeadsPerRank: 2, HeadSize: 16, TokensPerBlock: 8},
		ParallelConfig{TPSize: 2, PPSize: 2},
		AttentionConfig{Kind: AttentionDefault, KVFactor: 2},
		DTypeF16,
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRequestInfoRoundTrip(t *testing.T) {
	base := testCacheState(t)

	dpState := *base
	dpState.Parallel = ParallelConfig{TPSize: 4, PPSize: 2, EnableAttentionDP: true, DPRank: 1, DPSize: 2}

	cases := []struct {
		name string
		info RequestInfo
	}{
		{
			name: "ranks",
			info: RequestInfo{
				RequestID: 42,
				State: TransceiverState{
					Comm:  NewRanksCommState([]int{4, 5, 6, 7}, 2),
					Cache: *base,
				},
			},
		},
		{
			name: "sockets",
			info: RequestInfo{
				RequestID: 1<<40 + 7,
				State: TransceiverState{
					Comm:  NewSocketsCommState([]string{"10.0.0.1:33441", "10.0.0.2:33441"}, 0),
					Cache: *base,
				},
			},
		},
		{
			name: "dp attention",
			info: RequestInfo{
				RequestID: 3,
				State: TransceiverState{
					Comm:  NewRanksCommState([]int{0}, 0),
					Cache: dpState,
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.info.Serialize()
			if err != nil {
				t.Fatal(err)
			}
			if got, want := len(data), tt.info.SerializedSize(); got != want {
				t.Errorf("serialized %d bytes, SerializedSize says %d", got, want)
			}

			got, err := DeserializeRequestInfo(data)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(&tt.info) {
				t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", got, tt.info)
			}
		})
	}
}

func TestDeserializeBadInput(t *testing.T) {
	info := RequestInfo{
		RequestID: 9,
		State: TransceiverState{
			Comm:  NewRanksCommState([]int{0, 1}, 1),
			Cache: *testCacheState(t),
		},
	}
	data, err := info.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", data[:3]},
		{"truncated payload", data[:len(data)-5]},
		{"trailing bytes", append(append([]byte(nil), data...), 0xff)},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DeserializeRequestInfo(tt.data); !errors.Is(err, ErrSerialization) {
				t.Errorf("got %v, want ErrSerialization", err)
			}
		})
	}
}
