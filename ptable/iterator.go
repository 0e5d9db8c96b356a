package ptable

import (
	"bufio"
	"io"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
)

// Iterator walks every entry of a table in table order. It holds a reader and
// a table reference until Close.
type Iterator struct {
	t      *PTable
	h      sys.FileHandle
	r      *bufio.Reader
	buf    []byte
	left   int64
	cur    core.IndexEntry
	err    error
	closed bool
}

// IterateAllInOrder returns an iterator over the whole table. It fails with
// core.ErrResourceExhausted when every reader is in use and with core.ErrClosed
// once the table is disposed.
func (t *PTable) IterateAllInOrder() (*Iterator, error) {
	if !t.Acquire() {
		return nil, core.ErrClosed
	}
	h, err := t.readers.Acquire()
	if err != nil {
		t.Release()
		return nil, err
	}
	section := io.NewSectionReader(h, core.PTableHeaderSize, t.count*int64(t.version.EntrySize()))
	return &Iterator{
		t:    t,
		h:    h,
		r:    bufio.NewReaderSize(section, 64*1024),
		buf:  make([]byte, t.version.EntrySize()),
		left: t.count,
	}, nil
}

func (it *Iterator) Next() bool {
	if it.closed || it.err != nil || it.left == 0 {
		return false
	}
	if _, err := io.ReadFull(it.r, it.buf); err != nil {
		it.err = &core.CorruptIndexError{Path: it.t.path, Position: it.t.count - it.left, Err: err}
		return false
	}
	it.cur = decodeEntry(it.buf, it.t.version)
	it.left--
	return true
}

func (it *Iterator) At() core.IndexEntry { return it.cur }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.t.readers.Release(it.h)
	it.t.Release()
	return nil
}
