package sys

import (
	"fmt"
	"sync"

	"github.com/INLOpen/eventcore/core"
	"golang.org/x/sync/semaphore"
)

// ReaderPool bounds the number of read handles open on one immutable file.
// Handles are checked out with Acquire and must be returned with Release.
// When maxReaders handles are in use, Acquire fails with core.ErrResourceExhausted
// instead of blocking.
type ReaderPool struct {
	mu     sync.Mutex
	path   string
	idle   []FileHandle
	sem    *semaphore.Weighted
	max    int
	open   OpenHandler
	closed bool
}

// NewReaderPool opens initialReaders handles on path eagerly and allows up to maxReaders.
func NewReaderPool(path string, initialReaders, maxReaders int) (*ReaderPool, error) {
	if maxReaders < 1 {
		maxReaders = 1
	}
	if initialReaders > maxReaders {
		initialReaders = maxReaders
	}
	p := &ReaderPool{
		path: path,
		sem:  semaphore.NewWeighted(int64(maxReaders)),
		max:  maxReaders,
		open: Open,
	}
	for i := 0; i < initialReaders; i++ {
		h, err := p.open(path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to open reader %d for %s: %w", i, path, err)
		}
		p.idle = append(p.idle, h)
	}
	return p, nil
}

// Acquire checks out a handle, opening a new one if none is idle.
func (p *ReaderPool) Acquire() (FileHandle, error) {
	if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: all %d readers of %s are in use", core.ErrResourceExhausted, p.max, p.Path())
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, core.ErrClosed
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	path := p.path
	p.mu.Unlock()

	h, err := p.open(path)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return h, nil
}

// Release returns a handle to the pool. After Close the handle is closed instead.
func (p *ReaderPool) Release(h FileHandle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Close()
	} else {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// With runs fn with a checked-out handle and returns it on every path.
func (p *ReaderPool) With(fn func(h FileHandle) error) error {
	h, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Path returns the file the pool opens.
func (p *ReaderPool) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// SetPath changes the path used for new handles after the file was renamed.
// Open handles stay valid.
func (p *ReaderPool) SetPath(path string) {
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
}

// Close closes idle handles. Handles still checked out are closed on Release.
func (p *ReaderPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for _, h := range p.idle {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}
