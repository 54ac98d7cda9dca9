// buffer_pool.go keeps reusable frame buffers for the packet codec.
//
// Every packet needs a scratch buffer for the padded plaintext and one for
// the ciphertext. Pooling them by size class keeps steady traffic from
// allocating per packet.
package protocol

import (
	"sync"

	"github.com/pzverkov/sshcore/internal/constants"
)

// BufferPool hands out byte slices in three size classes.
type BufferPool struct {
	control sync.Pool // kex and auth messages
	data    sync.Pool // typical data packets
	max     sync.Pool // up to the largest accepted packet
}

// Buffer size classes.
const (
	controlBufferSize = 1024
	dataBufferSize    = 36 * 1024
	maxBufferSize     = constants.MaxPacketLength + constants.PacketLengthSize + 64
)

var framePool = NewBufferPool()

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		control: sync.Pool{New: func() any { b := make([]byte, controlBufferSize); return &b }},
		data:    sync.Pool{New: func() any { b := make([]byte, dataBufferSize); return &b }},
		max:     sync.Pool{New: func() any { b := make([]byte, maxBufferSize); return &b }},
	}
}

// Get returns a slice of length size. Callers hand it back with Put.
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}

	var bp *[]byte
	switch {
	case size <= controlBufferSize:
		bp = p.control.Get().(*[]byte)
	case size <= dataBufferSize:
		bp = p.data.Get().(*[]byte)
	case size <= maxBufferSize:
		bp = p.max.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bp)[:size]
}

// Put returns a buffer obtained from Get. Slices of other capacities are
// dropped.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case controlBufferSize:
		p.control.Put(&buf)
	case dataBufferSize:
		p.data.Put(&buf)
	case maxBufferSize:
		p.max.Put(&buf)
	}
}
