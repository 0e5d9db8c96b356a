package memtable

import (
	"sync"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/skiplist"
)

// Iterator walks a memtable in table order. It is not safe for concurrent use.
type Iterator struct {
	mu   *sync.RWMutex // read lock of the memtable, released by Close
	iter *skiplist.Iterator[core.IndexEntry, struct{}]
	cur  core.IndexEntry
}

func (it *Iterator) Next() bool {
	if it.mu == nil || !it.iter.Next() {
		return false
	}
	it.cur = it.iter.Key()
	return true
}

func (it *Iterator) At() core.IndexEntry { return it.cur }

// Close releases the memtable read lock. It is safe to call Close multiple times.
func (it *Iterator) Close() error {
	if it.mu == nil {
		return nil
	}
	it.mu.RUnlock()
	it.mu = nil
	return nil
}
