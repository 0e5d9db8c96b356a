// Package memtable holds the newest index entries in memory until they are
// converted into a PTable.
package memtable

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/skiplist"
	"github.com/google/uuid"
)

var _ core.IndexSearcher = (*Memtable)(nil)

// Memtable is an in-memory sorted set of index entries. Entries are kept in
// table order (stream hash, version, position descending) so converting it to
// a PTable is a single ordered walk.
type Memtable struct {
	id           uuid.UUID
	maxEntries   int
	creationTime time.Time

	mu       sync.RWMutex
	data     *skiplist.SkipList[core.IndexEntry, struct{}]
	readOnly atomic.Bool

	// PrepareCheckpoint and CommitCheckpoint are the highest positions whose
	// entries were added.
	prepareCheckpoint atomic.Int64
	commitCheckpoint  atomic.Int64
}

// New creates an empty memtable that reports IsFull at maxEntries entries.
func New(maxEntries int) *Memtable {
	m := &Memtable{
		id:           uuid.New(),
		maxEntries:   maxEntries,
		creationTime: time.Now(),
		data:         skiplist.NewWithComparator[core.IndexEntry, struct{}](core.CompareIndexEntries),
	}
	m.prepareCheckpoint.Store(-1)
	m.commitCheckpoint.Store(-1)
	return m
}

func (m *Memtable) ID() uuid.UUID { return m.id }

func (m *Memtable) CreationTime() time.Time { return m.creationTime }

// Add inserts one entry. Adding an entry that is already present is a no-op.
func (m *Memtable) Add(stream uint64, version, position int64) error {
	return m.AddEntries([]core.IndexEntry{{Stream: stream, Version: version, Position: position}})
}

// AddEntries inserts entries under one lock.
func (m *Memtable) AddEntries(entries []core.IndexEntry) error {
	if m.readOnly.Load() {
		return core.ErrReadOnly
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data.Insert(e, struct{}{})
	}
	return nil
}

// SetCheckpoints records the positions covered by the entries added so far.
func (m *Memtable) SetCheckpoints(prepareCheckpoint, commitCheckpoint int64) {
	if prepareCheckpoint > m.prepareCheckpoint.Load() {
		m.prepareCheckpoint.Store(prepareCheckpoint)
	}
	if commitCheckpoint > m.commitCheckpoint.Load() {
		m.commitCheckpoint.Store(commitCheckpoint)
	}
}

func (m *Memtable) PrepareCheckpoint() int64 { return m.prepareCheckpoint.Load() }

func (m *Memtable) CommitCheckpoint() int64 { return m.commitCheckpoint.Load() }

// MarkForConversion freezes the memtable; later adds fail with core.ErrReadOnly.
func (m *Memtable) MarkForConversion() { m.readOnly.Store(true) }

func (m *Memtable) IsReadOnly() bool { return m.readOnly.Load() }

// Count returns the number of entries.
func (m *Memtable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

func (m *Memtable) IsFull() bool { return m.Count() >= m.maxEntries }

// TryGetOneValue returns the position of the newest entry for stream at version.
func (m *Memtable) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.data.Seek(core.SeekKey(stream, version))
	if !ok {
		return 0, false, nil
	}
	if e := node.Key(); e.Stream == stream && e.Version == version {
		return e.Position, true, nil
	}
	return 0, false, nil
}

func (m *Memtable) TryGetLatestEntry(stream uint64) (core.IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.data.Seek(core.SeekKey(stream, math.MaxInt64))
	if !ok || node.Key().Stream != stream {
		return core.IndexEntry{}, false, nil
	}
	return node.Key(), true, nil
}

func (m *Memtable) TryGetOldestEntry(stream uint64) (core.IndexEntry, bool, error) {
	var oldest core.IndexEntry
	found := false
	m.scan(core.SeekKey(stream, math.MaxInt64), func(e core.IndexEntry) bool {
		if e.Stream != stream {
			return false
		}
		// Among equal versions the oldest entry has the lowest position.
		oldest, found = e, true
		return true
	})
	return oldest, found, nil
}

func (m *Memtable) GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]core.IndexEntry, error) {
	var out []core.IndexEntry
	if startVersion > endVersion {
		return nil, nil
	}
	m.scan(core.SeekKey(stream, endVersion), func(e core.IndexEntry) bool {
		if e.Stream != stream || e.Version < startVersion {
			return false
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// scan calls fn for every entry from the first one at or after from, in table
// order, until fn returns false.
func (m *Memtable) scan(from core.IndexEntry, fn func(core.IndexEntry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := m.data.NewIterator()
	if !it.Seek(from) {
		return
	}
	for fn(it.Key()) && it.Next() {
	}
}

// IterateAllInOrder returns an iterator over every entry in table order. The
// iterator holds the read lock until Close.
func (m *Memtable) IterateAllInOrder() *Iterator {
	m.mu.RLock()
	return &Iterator{mu: &m.mu, iter: m.data.NewIterator()}
}

// Entries returns a copy of every entry in table order.
func (m *Memtable) Entries() []core.IndexEntry {
	it := m.IterateAllInOrder()
	defer it.Close()
	out := make([]core.IndexEntry, 0, m.data.Len())
	for it.Next() {
		out = append(out, it.At())
	}
	return out
}
