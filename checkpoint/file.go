package checkpoint

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

var _ Checkpoint = (*FileCheckpoint)(nil)

// FileCheckpoint persists its value in a small file rewritten atomically on every flush.
// Write and Flush may run on different goroutines; Read never observes a value newer
// than the last successful flush.
type FileCheckpoint struct {
	name string
	path string

	flushMu    sync.Mutex
	nonFlushed atomic.Int64
	flushed    atomic.Int64
	failed     atomic.Bool

	cbMu      sync.RWMutex
	callbacks []func(int64)

	logger *slog.Logger
}

// OpenFile opens (or creates with initValue) the checkpoint stored at path.
func OpenFile(path, name string, initValue int64, logger *slog.Logger) (*FileCheckpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	value, found, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if !found {
		value = initValue
		if err := writeFile(path, value); err != nil {
			return nil, err
		}
	}
	c := &FileCheckpoint{
		name:   name,
		path:   path,
		logger: logger.With("component", "Checkpoint", "name", name),
	}
	c.nonFlushed.Store(value)
	c.flushed.Store(value)
	return c, nil
}

func (c *FileCheckpoint) Name() string { return c.name }

func (c *FileCheckpoint) Write(value int64) error {
	if c.failed.Load() {
		return ErrCheckpointFailed
	}
	c.nonFlushed.Store(value)
	return nil
}

func (c *FileCheckpoint) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.failed.Load() {
		return ErrCheckpointFailed
	}
	value := c.nonFlushed.Load()
	if value == c.flushed.Load() {
		return nil
	}
	if err := writeFile(c.path, value); err != nil {
		c.failed.Store(true)
		c.logger.Error("Checkpoint flush failed.", "path", c.path, "value", value, "error", err)
		return ErrCheckpointFailed
	}
	c.flushed.Store(value)

	c.cbMu.RLock()
	callbacks := c.callbacks
	c.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(value)
	}
	return nil
}

func (c *FileCheckpoint) Read() int64 { return c.flushed.Load() }

func (c *FileCheckpoint) ReadNonFlushed() int64 { return c.nonFlushed.Load() }

func (c *FileCheckpoint) OnFlushed(fn func(int64)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

func (c *FileCheckpoint) Close(flush bool) error {
	if flush {
		return c.Flush()
	}
	return nil
}
