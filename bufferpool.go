package adamboot

// BufferPool recycles fixed-size byte slices for frame headers and small
// frames on the runtime pipes. It is a buffered channel, so Get and Put are
// safe for concurrent use without a lock.
type BufferPool struct {
	pool    chan []byte
	bufSize int
}

// NewBufferPool creates a pool pre-populated with count buffers of bufSize bytes.
func NewBufferPool(bufSize, count int) *BufferPool {
	pool := make(chan []byte, count)
	for i := 0; i < count; i++ {
		pool <- make([]byte, bufSize)
	}
	return &BufferPool{
		pool:    pool,
		bufSize: bufSize,
	}
}

// Size is the capacity of every buffer handed out by the pool.
func (bp *BufferPool) Size() int {
	return bp.bufSize
}

// Get returns a full-length buffer, allocating when the pool is drained.
func (bp *BufferPool) Get() []byte {
	select {
	case buf := <-bp.pool:
		return buf
	default:
		return make([]byte, bp.bufSize)
	}
}

// Put hands a buffer back. Foreign buffers (other capacity) and buffers
// arriving while the pool is full are left to the garbage collector.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) != bp.bufSize {
		return
	}
	select {
	case bp.pool <- buf[:bp.bufSize]:
	default:
	}
}
