// serialize.go - Kanonisches Wire-Format fuer den Transfer-Handshake
//
// Laengen-prefixtes Little-Endian-Record:
//   uint32 Payload-Laenge | uint64 RequestID | CommState | CacheState
// Deserialize ist die exakte Linksinverse von Serialize;
// SerializedSize muss der tatsaechlich geschriebenen Bytezahl entsprechen.
package kvstate

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RequestInfo identifies one requested transfer: which request is wanted
// and how the requester's cache is physically laid out. Sent from the
// generation side to every mapped context rank; consumed once.
type RequestInfo struct {
	RequestID uint64
	State     TransceiverState
}

// Equal reports structural equality; the round-trip contract is
// Equal(Deserialize(Serialize(x)), x).
func (r *RequestInfo) Equal(o *RequestInfo) bool {
	return r.RequestID == o.RequestID && r.State.Equal(&o.State)
}

const requestInfoPrefixLen = 4

func commStateSize(c *CommState) int {
	n := 1 + 4 + 4 // kind, selfIdx, count
	switch c.Kind {
	case CommRanks:
		n += 4 * len(c.Ranks)
	case CommSockets:
		for _, a := range c.Addrs {
			n += 2 + len(a)
		}
	}
	return n
}

// cacheStateSize is fixed: six uint32 dims, four uint8 tags, two uint32 DP
// fields, in stable field order.
const cacheStateSize = 6*4 + 4 + 2*4

// SerializedSize returns the exact byte count Serialize will produce,
// including the length prefix.
func (r *RequestInfo) SerializedSize() int {
	return requestInfoPrefixLen + 8 + commStateSize(&r.State.Comm) + cacheStateSize
}

// Serialize encodes the canonical length-prefixed record. A mismatch
// between the computed and written size is a format-definition bug and is
// reported as ErrSerialization.
func (r *RequestInfo) Serialize() ([]byte, error) {
	size := r.SerializedSize()
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(size-requestInfoPrefixLen))
	buf = binary.LittleEndian.AppendUint64(buf, r.RequestID)

	c := &r.State.Comm
	buf = append(buf, byte(c.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.SelfIdx))
	switch c.Kind {
	case CommRanks:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Ranks)))
		for _, rank := range c.Ranks {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(rank)))
		}
	case CommSockets:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Addrs)))
		for _, addr := range c.Addrs {
			if len(addr) > math.MaxUint16 {
				return nil, fmt.Errorf("%w: address %q too long", ErrSerialization, addr)
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(addr)))
			buf = append(buf, addr...)
		}
	default:
		return nil, fmt.Errorf("%w: unknown comm state kind %d", ErrSerialization, c.Kind)
	}

	s := &r.State.Cache
	for _, v := range []int{
		s.Model.NumLayers, s.Model.KVHeadsPerRank, s.Model.HeadSize, s.Model.TokensPerBlock,
		s.Parallel.TPSize, s.Parallel.PPSize,
	} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	buf = append(buf, byte(s.DType), byte(s.Attention.Kind), byte(s.Attention.KVFactor), boolByte(s.Parallel.EnableAttentionDP))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Parallel.DPRank))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Parallel.DPSize))

	if len(buf) != size {
		return nil, fmt.Errorf("%w: computed %d bytes, wrote %d", ErrSerialization, size, len(buf))
	}
	return buf, nil
}

// DeserializeRequestInfo decodes a record produced by Serialize. Trailing
// or missing bytes are serialization errors with the expected and actual
// sizes for diagnosis.
func DeserializeRequestInfo(data []byte) (RequestInfo, error) {
	var info RequestInfo
	d := decoder{buf: data}

	payload := d.uint32()
	if d.err == nil && int(payload) != len(data)-requestInfoPrefixLen {
		return info, fmt.Errorf("%w: length prefix %d, payload %d", ErrSerialization, payload, len(data)-requestInfoPrefixLen)
	}

	info.RequestID = d.uint64()

	c := &info.State.Comm
	c.Kind = CommKind(d.byte())
	c.SelfIdx = int(d.uint32())
	count := int(d.uint32())
	if d.err == nil && count > len(d.buf)-d.off {
		return info, fmt.Errorf("%w: group size %d exceeds remaining payload", ErrSerialization, count)
	}
	switch c.Kind {
	case CommRanks:
		c.Ranks = make([]int, count)
		for i := range c.Ranks {
			c.Ranks[i] = int(int32(d.uint32()))
		}
	case CommSockets:
		c.Addrs = make([]string, count)
		for i := range c.Addrs {
			c.Addrs[i] = d.str()
		}
	default:
		if d.err == nil {
			return info, fmt.Errorf("%w: unknown comm state kind %d", ErrSerialization, c.Kind)
		}
	}

	s := &info.State.Cache
	s.Model.NumLayers = int(d.uint32())
	s.Model.KVHeadsPerRank = int(d.uint32())
	s.Model.HeadSize = int(d.uint32())
	s.Model.TokensPerBlock = int(d.uint32())
	s.Parallel.TPSize = int(d.uint32())
	s.Parallel.PPSize = int(d.uint32())
	s.DType = DType(d.byte())
	s.Attention.Kind = AttentionKind(d.byte())
	s.Attention.KVFactor = int(d.byte())
	s.Parallel.EnableAttentionDP = d.byte() != 0
	s.Parallel.DPRank = int(d.uint32())
	s.Parallel.DPSize = int(d.uint32())

	if d.err != nil {
		return info, d.err
	}
	if len(d.buf) != d.off {
		return info, fmt.Errorf("%w: %d trailing bytes", ErrSerialization, len(d.buf)-d.off)
	}
	return info, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// decoder is a bounds-checked little-endian cursor; the first short read
// sticks in err and zeroes every later field.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrSerialization, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	b := d.take(2)
	if b == nil {
		return ""
	}
	return string(d.take(int(binary.LittleEndian.Uint16(b))))
}
