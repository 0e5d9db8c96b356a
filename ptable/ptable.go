package ptable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/filter"
	"github.com/INLOpen/eventcore/memtable"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCacheDepth             = 16
	DefaultBloomFalsePositiveRate = 0.01
	DefaultInitialReaders         = 2
	DefaultMaxReaders             = 64

	// rangeBatch is how many entries a range scan reads per I/O.
	rangeBatch = 64
)

// Options configures how tables are written and opened.
type Options struct {
	// Version of newly written tables. Defaults to LatestVersion.
	Version Version
	// CacheDepth controls the midpoint count: 2^CacheDepth samples, capped by
	// the entry count.
	CacheDepth int
	// SkipVerify skips the whole-file checksum when opening.
	SkipVerify             bool
	UseBloomFilter         bool
	BloomFalsePositiveRate float64
	InitialReaders         int
	MaxReaders             int
	Tracer                 trace.Tracer
	Logger                 *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = LatestVersion
	}
	if o.CacheDepth == 0 {
		o.CacheDepth = DefaultCacheDepth
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		o.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}
	if o.InitialReaders <= 0 {
		o.InitialReaders = DefaultInitialReaders
	}
	if o.MaxReaders <= 0 {
		o.MaxReaders = DefaultMaxReaders
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("eventcore/ptable")
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "PTable_default")
	} else {
		o.Logger = o.Logger.With("component", "PTable")
	}
	return o
}

// PTable is an immutable, sorted, on-disk table of index entries.
type PTable struct {
	path      string
	id        uuid.UUID
	version   Version
	count     int64
	size      int64
	prepareCP int64
	commitCP  int64
	midpoints []Midpoint
	filter    *filter.Bloom
	readers   *sys.ReaderPool
	tracer    trace.Tracer
	logger    *slog.Logger

	lifeMu   sync.Mutex
	refs     int
	deleting bool
	disposed bool
	done     chan struct{}
}

var _ core.IndexSearcher = (*PTable)(nil)

// FromMemtable writes the entries of a memtable to a new table at path.
func FromMemtable(mt *memtable.Memtable, path string, opts Options) (*PTable, error) {
	opts = opts.withDefaults()
	_, span := opts.Tracer.Start(context.Background(), "PTable.FromMemtable")
	defer span.End()
	span.SetAttributes(attribute.String("ptable.path", path), attribute.Int("memtable.count", mt.Count()))

	h := newHeader(opts.Version, mt.PrepareCheckpoint(), mt.CommitCheckpoint())
	w, err := newTableWriter(path, h, int64(mt.Count()), opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	it := mt.IterateAllInOrder()
	for it.Next() {
		if err := w.add(it.At()); err != nil {
			it.Close()
			w.abort()
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			return nil, err
		}
	}
	it.Close()
	return w.open(opts)
}

// open finishes the writer and serves the written file.
func (w *tableWriter) open(opts Options) (*PTable, error) {
	start := time.Now()
	mids, err := w.finish()
	if err != nil {
		return nil, err
	}
	t, err := newPTable(w.path, w.header, w.count, mids, w.filter, opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("Table written.", "path", w.path, "entries", w.count, "version", w.version.String(), "duration", time.Since(start))
	return t, nil
}

func newPTable(path string, h header, count int64, mids []Midpoint, bf *filter.Bloom, opts Options) (*PTable, error) {
	size, err := sys.FileSize(path)
	if err != nil {
		return nil, err
	}
	readers, err := sys.NewReaderPool(path, opts.InitialReaders, opts.MaxReaders)
	if err != nil {
		return nil, err
	}
	return &PTable{
		path:      path,
		id:        h.ID,
		version:   h.Version,
		count:     count,
		size:      size,
		prepareCP: h.PrepareCheckpoint,
		commitCP:  h.CommitCheckpoint,
		midpoints: mids,
		filter:    bf,
		readers:   readers,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		done:      make(chan struct{}),
	}, nil
}

// FromFile opens an existing table. Any structural problem is reported as a
// CorruptIndexError wrapping an InvalidFileError.
func FromFile(path string, opts Options) (*PTable, error) {
	opts = opts.withDefaults()
	_, span := opts.Tracer.Start(context.Background(), "PTable.FromFile")
	defer span.End()
	span.SetAttributes(attribute.String("ptable.path", path))

	t, err := loadTable(path, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		var inv *core.InvalidFileError
		if errors.As(err, &inv) {
			return nil, &core.CorruptIndexError{Path: path, Position: -1, Err: err}
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("ptable.count", t.count), attribute.Int("ptable.version", int(t.version)))
	return t, nil
}

func loadTable(path string, opts Options) (*PTable, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < core.PTableHeaderSize+core.PTableFooterSize+core.ChecksumSize {
		return nil, core.NewInvalidFile(path, size, "file of %d bytes is too small for a table", size)
	}

	hb := make([]byte, core.PTableHeaderSize)
	if _, err := f.ReadAt(hb, 0); err != nil {
		return nil, fmt.Errorf("failed to read table header: %w", err)
	}
	h, err := unmarshalHeader(path, hb)
	if err != nil {
		return nil, err
	}

	entrySize := int64(h.Version.EntrySize())
	fixed := int64(core.PTableHeaderSize + core.PTableFooterSize + core.ChecksumSize)
	if h.Version < V4 {
		// The entry count follows from the size alone; refuse it before reading anything else.
		if implied := (size - fixed) / entrySize; implied > h.Version.MaxEntries() {
			return nil, core.NewInvalidFile(path, 0,
				"%d entries exceed the %d a %s table can address; the table needs a newer format", implied, h.Version.MaxEntries(), h.Version)
		}
	}

	footerOff := size - core.ChecksumSize - core.PTableFooterSize
	fb := make([]byte, core.PTableFooterSize)
	if _, err := f.ReadAt(fb, footerOff); err != nil {
		return nil, fmt.Errorf("failed to read table footer: %w", err)
	}
	ft, err := unmarshalFooter(path, footerOff, fb)
	if err != nil {
		return nil, err
	}
	if ft.Version != h.Version {
		return nil, core.NewInvalidFile(path, footerOff, "footer version %d does not match header version %d", ft.Version, h.Version)
	}
	if h.Version < V4 && ft.MidpointCount != 0 {
		return nil, core.NewInvalidFile(path, footerOff, "%s table declares %d persisted midpoints", h.Version, ft.MidpointCount)
	}
	body := size - fixed - int64(ft.MidpointCount)*midpointSize
	if body < 0 || body%entrySize != 0 {
		return nil, core.NewInvalidFile(path, footerOff, "size %d does not hold a whole number of entries", size)
	}
	count := body / entrySize
	if count > h.Version.MaxEntries() {
		return nil, core.NewInvalidFile(path, 0, "%d entries exceed the %d a %s table can address", count, h.Version.MaxEntries(), h.Version)
	}
	if count != ft.Count {
		return nil, core.NewInvalidFile(path, footerOff, "footer count %d does not match the %d entries in the file", ft.Count, count)
	}
	if fileSize(h.Version, count, int64(ft.MidpointCount)) != size {
		return nil, core.NewInvalidFile(path, footerOff, "size %d does not match the layout", size)
	}

	if !opts.SkipVerify {
		if err := verifyChecksum(path, f, size); err != nil {
			return nil, err
		}
	}

	var mids []Midpoint
	if ft.MidpointCount > 0 {
		if mids, err = readMidpoints(path, f, core.PTableHeaderSize+count*entrySize, int64(ft.MidpointCount), count); err != nil {
			return nil, err
		}
	} else if mids, err = sampleMidpoints(f, h.Version, count, opts.CacheDepth); err != nil {
		return nil, err
	}

	var bf *filter.Bloom
	if opts.UseBloomFilter {
		bf = readBloomFilter(path, h.ID, opts.Logger)
	}
	return newPTable(path, h, count, mids, bf, opts)
}

func verifyChecksum(path string, f io.ReaderAt, size int64) error {
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(f, 0, size-core.ChecksumSize)); err != nil {
		return fmt.Errorf("failed to read table for checksum: %w", err)
	}
	b := make([]byte, core.ChecksumSize)
	if _, err := f.ReadAt(b, size-core.ChecksumSize); err != nil {
		return fmt.Errorf("failed to read table checksum: %w", err)
	}
	if want, got := binary.LittleEndian.Uint64(b), d.Sum64(); want != got {
		return core.NewInvalidFile(path, size-core.ChecksumSize, "checksum mismatch: stored %#x, computed %#x", want, got)
	}
	return nil
}

func readMidpoints(path string, f io.ReaderAt, off, n, count int64) ([]Midpoint, error) {
	b := make([]byte, n*midpointSize)
	if _, err := f.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("failed to read midpoints: %w", err)
	}
	mids := make([]Midpoint, n)
	for i := range mids {
		mids[i] = decodeMidpoint(b[int64(i)*midpointSize:])
		m := mids[i]
		if m.ItemIndex < 0 || m.ItemIndex >= count {
			return nil, core.NewInvalidFile(path, off, "midpoint %d points at entry %d of %d", i, m.ItemIndex, count)
		}
		if i > 0 {
			prev := mids[i-1]
			if m.ItemIndex < prev.ItemIndex || core.CompareIndexKeys(prev.key(), m.key()) > 0 {
				return nil, core.NewInvalidFile(path, off, "midpoint %d is out of order", i)
			}
		}
	}
	return mids, nil
}

func (t *PTable) Path() string { return t.path }
func (t *PTable) ID() uuid.UUID { return t.id }
func (t *PTable) Version() Version { return t.version }
func (t *PTable) Count() int64 { return t.count }
func (t *PTable) Size() int64 { return t.size }
func (t *PTable) PrepareCheckpoint() int64 { return t.prepareCP }
func (t *PTable) CommitCheckpoint() int64 { return t.commitCP }
func (t *PTable) Midpoints() []Midpoint { return t.midpoints }
func (t *PTable) HasBloomFilter() bool { return t.filter != nil }
func (t *PTable) ReaderPool() *sys.ReaderPool { return t.readers }

// StoredHash maps a full 64-bit stream hash onto the hash stored by this table.
func (t *PTable) StoredHash(stream uint64) uint64 { return t.hashFor(stream) }

func (t *PTable) hashFor(stream uint64) uint64 {
	if t.version == V1 {
		return core.LowHash(stream)
	}
	return stream
}

// MayContain reports whether the table can hold entries of stream. Without a
// bloom filter it is always true.
func (t *PTable) MayContain(stream uint64) bool {
	if t.filter == nil {
		return true
	}
	return t.filter.MayContain(t.hashFor(stream))
}

func (t *PTable) readEntry(h sys.FileHandle, i int64, buf []byte) (core.IndexEntry, error) {
	off := core.PTableHeaderSize + i*int64(len(buf))
	if _, err := h.ReadAt(buf, off); err != nil {
		return core.IndexEntry{}, &core.CorruptIndexError{Path: t.path, Position: off, Err: err}
	}
	return decodeEntry(buf, t.version), nil
}

// lowerBound returns the index of the first entry whose key is not before key.
// Midpoints narrow the range before any entry is read.
func (t *PTable) lowerBound(h sys.FileHandle, key core.IndexEntry, buf []byte) (int64, error) {
	lo, hi := int64(0), t.count
	if mids := t.midpoints; len(mids) > 0 {
		j := sort.Search(len(mids), func(j int) bool { return core.CompareIndexKeys(mids[j].key(), key) >= 0 })
		if j > 0 {
			lo = mids[j-1].ItemIndex + 1
		}
		if j < len(mids) {
			hi = mids[j].ItemIndex
		}
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		e, err := t.readEntry(h, mid, buf)
		if err != nil {
			return 0, err
		}
		if core.CompareIndexKeys(e, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// TryGetOneValue returns the newest position recorded for stream at version.
func (t *PTable) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	s := t.hashFor(stream)
	if t.count == 0 || !t.MayContain(stream) {
		return 0, false, nil
	}
	var pos int64
	var found bool
	err := t.readers.With(func(h sys.FileHandle) error {
		buf := make([]byte, t.version.EntrySize())
		i, err := t.lowerBound(h, core.SeekKey(s, version), buf)
		if err != nil || i >= t.count {
			return err
		}
		e, err := t.readEntry(h, i, buf)
		if err != nil {
			return err
		}
		if e.Stream == s && e.Version == version {
			pos, found = e.Position, true
		}
		return nil
	})
	return pos, found, err
}

// TryGetLatestEntry returns the entry with the highest version of stream.
func (t *PTable) TryGetLatestEntry(stream uint64) (core.IndexEntry, bool, error) {
	s := t.hashFor(stream)
	if t.count == 0 || !t.MayContain(stream) {
		return core.IndexEntry{}, false, nil
	}
	var out core.IndexEntry
	var found bool
	err := t.readers.With(func(h sys.FileHandle) error {
		buf := make([]byte, t.version.EntrySize())
		i, err := t.lowerBound(h, core.SeekKey(s, math.MaxInt64), buf)
		if err != nil || i >= t.count {
			return err
		}
		e, err := t.readEntry(h, i, buf)
		if err != nil {
			return err
		}
		if e.Stream == s {
			out, found = e, true
		}
		return nil
	})
	return out, found, err
}

// TryGetOldestEntry returns the entry with the lowest version of stream.
func (t *PTable) TryGetOldestEntry(stream uint64) (core.IndexEntry, bool, error) {
	s := t.hashFor(stream)
	if t.count == 0 || !t.MayContain(stream) {
		return core.IndexEntry{}, false, nil
	}
	var out core.IndexEntry
	var found bool
	err := t.readers.With(func(h sys.FileHandle) error {
		buf := make([]byte, t.version.EntrySize())
		end := t.count
		if s > 0 {
			// Entries of the next lower stream start right after the oldest entry of s.
			var err error
			if end, err = t.lowerBound(h, core.SeekKey(s-1, math.MaxInt64), buf); err != nil {
				return err
			}
		}
		if end == 0 {
			return nil
		}
		e, err := t.readEntry(h, end-1, buf)
		if err != nil {
			return err
		}
		if e.Stream == s {
			out, found = e, true
		}
		return nil
	})
	return out, found, err
}

// GetRange returns the entries of stream with versions in [start, end], newest
// first, at most limit of them when limit is positive.
func (t *PTable) GetRange(stream uint64, start, end int64, limit int) ([]core.IndexEntry, error) {
	s := t.hashFor(stream)
	if t.count == 0 || start > end || !t.MayContain(stream) {
		return nil, nil
	}
	var out []core.IndexEntry
	err := t.readers.With(func(h sys.FileHandle) error {
		entrySize := t.version.EntrySize()
		buf := make([]byte, entrySize)
		i, err := t.lowerBound(h, core.SeekKey(s, end), buf)
		if err != nil {
			return err
		}
		batch := make([]byte, rangeBatch*entrySize)
		for i < t.count {
			n := t.count - i
			if n > rangeBatch {
				n = rangeBatch
			}
			off := core.PTableHeaderSize + i*int64(entrySize)
			if _, err := h.ReadAt(batch[:n*int64(entrySize)], off); err != nil {
				return &core.CorruptIndexError{Path: t.path, Position: off, Err: err}
			}
			for k := int64(0); k < n; k++ {
				e := decodeEntry(batch[k*int64(entrySize):], t.version)
				if e.Stream != s || e.Version < start {
					return nil
				}
				out = append(out, e)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
			i += n
		}
		return nil
	})
	return out, err
}

// Acquire takes a reference that keeps the file alive. It fails once the
// table is disposed.
func (t *PTable) Acquire() bool {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.disposed {
		return false
	}
	t.refs++
	return true
}

// Release drops a reference taken with Acquire.
func (t *PTable) Release() {
	t.lifeMu.Lock()
	t.refs--
	dispose := t.refs <= 0 && t.deleting && !t.disposed
	if dispose {
		t.disposed = true
	}
	t.lifeMu.Unlock()
	if dispose {
		t.disposeNow(true)
	}
}

// MarkForDestruction deletes the table file once the last reference is released.
func (t *PTable) MarkForDestruction() {
	t.lifeMu.Lock()
	t.deleting = true
	dispose := t.refs <= 0 && !t.disposed
	if dispose {
		t.disposed = true
	}
	t.lifeMu.Unlock()
	if dispose {
		t.disposeNow(true)
	}
}

// Dispose closes the table and keeps its file.
func (t *PTable) Dispose() {
	t.lifeMu.Lock()
	if t.disposed {
		t.lifeMu.Unlock()
		return
	}
	t.disposed = true
	t.lifeMu.Unlock()
	t.disposeNow(false)
}

func (t *PTable) disposeNow(deleteFile bool) {
	if err := t.readers.Close(); err != nil {
		t.logger.Warn("Failed to close table readers.", "path", t.path, "error", err)
	}
	if deleteFile {
		for _, p := range []string{t.path, t.path + core.BloomFilterSuffix} {
			if err := sys.Remove(p); err != nil {
				t.logger.Error("Failed to delete table file.", "path", p, "error", err)
			}
		}
		t.logger.Info("Table deleted.", "path", t.path)
	}
	close(t.done)
}

// WaitForDisposal blocks until the table is disposed or ctx ends.
func (t *PTable) WaitForDisposal(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return core.Cancelled(ctx.Err())
	}
}

// Exists reports whether a table file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
