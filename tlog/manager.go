package tlog

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
	"github.com/hashicorp/go-multierror"
)

// ManagerOptions configures a chunk Manager.
type ManagerOptions struct {
	Dir       string
	ChunkSize int32
	// CachedChunks is how many of the newest chunks are kept cached in memory.
	CachedChunks int
	Chunk        chunk.Options
	Logger       *slog.Logger
}

// Manager owns the ordered chunk table. Slots are indexed by logical chunk
// number; a merged chunk occupies every slot in its start..end range.
type Manager struct {
	opts   ManagerOptions
	naming *chunk.VersionedPatternNaming
	logger *slog.Logger

	mu           sync.RWMutex
	chunks       []*chunk.Chunk
	cachedChunks int
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = core.DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Chunk.Logger = opts.Logger
	return &Manager{
		opts:         opts,
		naming:       chunk.NewVersionedPatternNaming(opts.Dir),
		logger:       opts.Logger.With("component", "ChunkManager"),
		cachedChunks: opts.CachedChunks,
	}
}

func (m *Manager) Naming() *chunk.VersionedPatternNaming { return m.naming }

func (m *Manager) ChunkSize() int32 { return m.opts.ChunkSize }

// ChunkOptions returns the options chunks of this manager are opened with.
func (m *Manager) ChunkOptions() chunk.Options { return m.opts.Chunk }

// ChunksCount is the number of logical chunk slots filled.
func (m *Manager) ChunksCount() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int32(len(m.chunks))
}

// AddNewChunk creates the next ongoing chunk at the end of the log.
func (m *Manager) AddNewChunk() (*chunk.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int32(len(m.chunks))
	path := m.naming.Filename(n, 0)
	c, err := chunk.CreateNew(path, m.opts.ChunkSize, n, n, false, m.opts.Chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk %d: %w", n, err)
	}
	m.chunks = append(m.chunks, c)
	m.applyCachePolicyLocked()
	m.logger.Info("New chunk created.", "chunk", n, "path", path)
	return c, nil
}

// AddChunk registers an already opened chunk. Chunks must be added in order.
func (m *Manager) AddChunk(c *chunk.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if want := int32(len(m.chunks)); c.StartNumber() != want {
		return fmt.Errorf("chunk %s starts at %d, expected %d", c.Path(), c.StartNumber(), want)
	}
	for i := c.StartNumber(); i <= c.EndNumber(); i++ {
		m.chunks = append(m.chunks, c)
	}
	return nil
}

// SwitchChunk replaces the chunks covering newChunk's range with newChunk. A
// local chunk written under a temporary name is renamed to the next version of
// its start number first. The replaced chunks are marked for deletion and their
// local files go away once their readers are done; switching in a remote chunk
// is how archived chunks are retired locally. With removeChunksWithGreaterNumbers
// the table is cut after newChunk.
func (m *Manager) SwitchChunk(newChunk *chunk.Chunk, removeChunksWithGreaterNumbers bool) (*chunk.Chunk, error) {
	if !newChunk.IsReadOnly() {
		return nil, fmt.Errorf("cannot switch in chunk %s: it is not completed", newChunk.Path())
	}
	start, end := newChunk.StartNumber(), newChunk.EndNumber()

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(end) >= len(m.chunks) && !removeChunksWithGreaterNumbers {
		return nil, fmt.Errorf("cannot switch in chunk %d-%d: only %d chunks present", start, end, len(m.chunks))
	}
	for i := start; i <= end && int(i) < len(m.chunks); i++ {
		if old := m.chunks[i]; old.StartNumber() < start || old.EndNumber() > end {
			return nil, fmt.Errorf("chunk %d-%d does not align with existing chunk %d-%d",
				start, end, old.StartNumber(), old.EndNumber())
		}
	}

	if !newChunk.IsRemote() {
		version, err := m.naming.DetermineNewVersion(start)
		if err != nil {
			return nil, err
		}
		if err := newChunk.Rename(m.naming.Filename(start, version)); err != nil {
			return nil, err
		}
		if err := sys.SyncDir(m.opts.Dir); err != nil {
			m.logger.Warn("Failed to sync chunk directory after switch.", "error", err)
		}
	}

	replaced := make(map[*chunk.Chunk]struct{})
	for i := start; i <= end; i++ {
		if int(i) < len(m.chunks) {
			replaced[m.chunks[i]] = struct{}{}
			m.chunks[i] = newChunk
		} else {
			m.chunks = append(m.chunks, newChunk)
		}
	}
	if removeChunksWithGreaterNumbers {
		for _, c := range m.chunks[end+1:] {
			replaced[c] = struct{}{}
		}
		m.chunks = m.chunks[:end+1]
	}
	for old := range replaced {
		if old != newChunk {
			old.MarkForDeletion()
		}
	}
	m.applyCachePolicyLocked()
	m.logger.Info("Chunk switched in.", "start", start, "end", end, "path", newChunk.Path(), "replaced", len(replaced))
	return newChunk, nil
}

// GetChunk returns the chunk occupying logical slot n.
func (m *Manager) GetChunk(n int32) (*chunk.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n < 0 || int(n) >= len(m.chunks) {
		return nil, fmt.Errorf("%w: chunk #%d (have %d)", core.ErrChunkNotFound, n, len(m.chunks))
	}
	return m.chunks[n], nil
}

// GetChunkFor returns the chunk covering the global log position pos.
func (m *Manager) GetChunkFor(pos int64) (*chunk.Chunk, error) {
	if pos < 0 {
		return nil, fmt.Errorf("%w: negative position %d", core.ErrChunkNotFound, pos)
	}
	return m.GetChunk(int32(pos / int64(m.opts.ChunkSize)))
}

// LastChunk returns the chunk at the end of the table, or nil.
func (m *Manager) LastChunk() *chunk.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.chunks) == 0 {
		return nil
	}
	return m.chunks[len(m.chunks)-1]
}

// Chunks returns every distinct chunk in log order.
func (m *Manager) Chunks() []*chunk.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*chunk.Chunk, 0, len(m.chunks))
	var prev *chunk.Chunk
	for _, c := range m.chunks {
		if c != prev {
			out = append(out, c)
			prev = c
		}
	}
	return out
}

// SetCachedChunks changes how many recent chunks are kept in memory.
func (m *Manager) SetCachedChunks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		n = 0
	}
	m.cachedChunks = n
	m.applyCachePolicyLocked()
}

func (m *Manager) CachedChunks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cachedChunks
}

// applyCachePolicyLocked caches the newest cachedChunks local chunks and
// uncaches the rest.
func (m *Manager) applyCachePolicyLocked() {
	kept := 0
	var prev *chunk.Chunk
	for i := len(m.chunks) - 1; i >= 0; i-- {
		c := m.chunks[i]
		if c == prev {
			continue
		}
		prev = c
		if c.IsRemote() || kept >= m.cachedChunks {
			if c.IsCached() {
				c.UnCacheFromMemory()
			}
			continue
		}
		kept++
		if c.IsCached() {
			continue
		}
		if err := c.CacheInMemory(); err != nil {
			m.logger.Warn("Failed to cache chunk in memory.", "chunk", c.StartNumber(), "error", err)
		}
	}
}

// Close closes every chunk, collecting all failures.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result error
	var prev *chunk.Chunk
	for _, c := range m.chunks {
		if c == prev {
			continue
		}
		prev = c
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing chunk %s: %w", c.Path(), err))
		}
	}
	m.chunks = nil
	return result
}

// removeFile deletes a chunk file that is not registered in the table.
func (m *Manager) removeFile(path, reason string) {
	if err := sys.Remove(path); err != nil {
		m.logger.Warn("Failed to remove chunk file.", "path", path, "reason", reason, "error", err)
		return
	}
	m.logger.Info("Removed chunk file.", "path", path, "reason", reason)
}
