package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultRecordBufferSize is the starting capacity of buffers used to serialize
// log records before framing.
const DefaultRecordBufferSize = 4 * 1024

// maxPooledBufferSize keeps oversized buffers from pinning memory in the pool.
const maxPooledBufferSize = 1024 * 1024

// RecordBufferPool is shared by the writer and the scavenger to serialize records.
var RecordBufferPool = NewBufferPool(DefaultRecordBufferSize, 64)

// BufferPool is a mutex-protected free list of byte buffers. Unlike sync.Pool its
// contents survive garbage collection, which keeps long scavenge runs from
// re-allocating their scratch space.
type BufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// NewBufferPool creates a pool whose new buffers start with the given capacity,
// pre-warmed with prewarm buffers.
func NewBufferPool(capacity, prewarm int) *BufferPool {
	bp := &BufferPool{
		capacity: capacity,
		items:    make([]*bytes.Buffer, 0, prewarm),
	}
	for i := 0; i < prewarm; i++ {
		bp.items = append(bp.items, bp.newBuffer())
	}
	return bp
}

func (bp *BufferPool) newBuffer() *bytes.Buffer {
	bp.created.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *BufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newBuffer()
	}
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	bp.hits.Add(1)
	return item
}

// Put resets buf and returns it to the pool. Buffers that grew past 1 MiB are dropped.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// Len returns the number of idle buffers.
func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.items)
}

// GetMetrics returns the current metrics for the pool.
func (bp *BufferPool) GetMetrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
