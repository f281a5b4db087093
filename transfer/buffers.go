package transfer

import (
	"context"
	"fmt"

	"github.com/kvbridge/kvbridge/envconfig"
	"github.com/kvbridge/kvbridge/kvstate"
)

// BufferPool hands out fixed-size staging buffers. Acquire blocks when all
// buffers are in flight, which caps the number of concurrent transfers
// without any extra accounting.
type BufferPool struct {
	bufs chan []byte
	size int
}

// NewBufferPool preallocates count buffers of size bytes each.
func NewBufferPool(count, size int) *BufferPool {
	p := &BufferPool{bufs: make(chan []byte, count), size: size}
	for n := 0; n < count; n++ {
		p.bufs <- make([]byte, size)
	}
	return p
}

// NewTransferBuffers sizes a pool for state, with room for the configured
// maximum sequence length per buffer.
func NewTransferBuffers(state *kvstate.CacheState, count int) *BufferPool {
	return NewBufferPool(count, int(envconfig.MaxTokens())*state.BytesPerToken())
}

// BufferSize returns the size of each buffer in bytes.
func (p *BufferPool) BufferSize() int { return p.size }

// Acquire blocks until a buffer is free.
func (p *BufferPool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.bufs:
		return buf, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for transfer buffer: %v", kvstate.ErrTransport, ctx.Err())
	}
}

// Release returns a buffer to the pool.
func (p *BufferPool) Release(buf []byte) {
	if len(buf) != p.size {
		panic("transfer: releasing foreign buffer")
	}
	p.bufs <- buf
}
