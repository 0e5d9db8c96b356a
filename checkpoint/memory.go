package checkpoint

import (
	"sync"
	"sync/atomic"
)

var _ Checkpoint = (*InMemoryCheckpoint)(nil)

// InMemoryCheckpoint is a volatile checkpoint used in tests and for positions
// that are rebuilt on startup.
type InMemoryCheckpoint struct {
	name       string
	nonFlushed atomic.Int64
	flushed    atomic.Int64

	mu        sync.Mutex
	callbacks []func(int64)
}

func NewInMemory(name string, initValue int64) *InMemoryCheckpoint {
	c := &InMemoryCheckpoint{name: name}
	c.nonFlushed.Store(initValue)
	c.flushed.Store(initValue)
	return c
}

func (c *InMemoryCheckpoint) Name() string { return c.name }

func (c *InMemoryCheckpoint) Write(value int64) error {
	c.nonFlushed.Store(value)
	return nil
}

func (c *InMemoryCheckpoint) Flush() error {
	c.mu.Lock()
	value := c.nonFlushed.Load()
	c.flushed.Store(value)
	callbacks := c.callbacks
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(value)
	}
	return nil
}

func (c *InMemoryCheckpoint) Read() int64 { return c.flushed.Load() }

func (c *InMemoryCheckpoint) ReadNonFlushed() int64 { return c.nonFlushed.Load() }

func (c *InMemoryCheckpoint) OnFlushed(fn func(int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

func (c *InMemoryCheckpoint) Close(flush bool) error {
	if flush {
		return c.Flush()
	}
	return nil
}
