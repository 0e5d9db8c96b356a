package ptable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/filter"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// tableWriter streams sorted entries into a temporary file and renames it into
// place on finish. Entries must arrive in table order; exact duplicates are
// dropped.
type tableWriter struct {
	path    string
	tmpPath string
	header  header
	version Version
	depth   int
	logger  *slog.Logger

	file   sys.FileHandle
	bw     *bufio.Writer
	digest *xxhash.Digest
	out    io.Writer

	count   int64
	last    core.IndexEntry
	hasLast bool
	buf     []byte
	filter  *filter.Bloom
}

func newTableWriter(path string, h header, expectedCount int64, opts Options) (*tableWriter, error) {
	tmpPath := path + core.TempFileSuffix
	f, err := sys.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create table file %s: %w", tmpPath, err)
	}
	w := &tableWriter{
		path:    path,
		tmpPath: tmpPath,
		header:  h,
		version: h.Version,
		depth:   opts.CacheDepth,
		logger:  opts.Logger,
		file:    f,
		bw:      bufio.NewWriterSize(f, 64*1024),
		digest:  xxhash.New(),
		buf:     make([]byte, h.Version.EntrySize()),
	}
	w.out = io.MultiWriter(w.bw, w.digest)
	if opts.UseBloomFilter {
		n := expectedCount
		if n < 1 {
			n = 1
		}
		w.filter = filter.NewBloom(uint(n), opts.BloomFalsePositiveRate)
	}
	if _, err := w.out.Write(h.marshal()); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write table header: %w", err)
	}
	return w, nil
}

func (w *tableWriter) add(e core.IndexEntry) error {
	if w.hasLast {
		c := core.CompareIndexEntries(w.last, e)
		if c == 0 {
			return nil
		}
		if c > 0 {
			return fmt.Errorf("entry %+v written after %+v breaks table order", e, w.last)
		}
	}
	if !entryVersionFits(w.version, e) {
		return fmt.Errorf("entry %+v does not fit a %s table", e, w.version)
	}
	if w.count >= w.version.MaxEntries() {
		return fmt.Errorf("%s table is limited to %d entries", w.version, w.version.MaxEntries())
	}
	encodeEntry(w.buf, w.version, e)
	if _, err := w.out.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write table entry: %w", err)
	}
	if w.filter != nil {
		w.filter.Add(e.Stream)
	}
	w.last, w.hasLast = e, true
	w.count++
	return nil
}

// finish writes midpoints, footer and checksum, makes the file durable and
// renames it to its final path. It returns the midpoints of the new table.
func (w *tableWriter) finish() ([]Midpoint, error) {
	if err := w.bw.Flush(); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to flush table entries: %w", err)
	}
	mids, err := sampleMidpoints(w.file, w.version, w.count, w.depth)
	if err != nil {
		w.abort()
		return nil, err
	}
	var persisted []Midpoint
	if w.version >= V4 {
		persisted = mids
		b := make([]byte, midpointSize)
		for _, m := range persisted {
			encodeMidpoint(b, m)
			if _, err := w.out.Write(b); err != nil {
				w.abort()
				return nil, fmt.Errorf("failed to write midpoint: %w", err)
			}
		}
	}
	f := footer{Version: w.version, MidpointCount: uint32(len(persisted)), Count: w.count}
	if _, err := w.out.Write(f.marshal()); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write table footer: %w", err)
	}
	var sum [core.ChecksumSize]byte
	binary.LittleEndian.PutUint64(sum[:], w.digest.Sum64())
	if _, err := w.bw.Write(sum[:]); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write table checksum: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to flush table: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to sync table %s: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		sys.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to close table %s: %w", w.tmpPath, err)
	}
	if w.filter != nil {
		if err := writeBloomFilter(w.path, w.header.ID, w.filter); err != nil {
			w.logger.Warn("Failed to write bloom filter, table will be read without it.", "path", w.path, "error", err)
		}
	}
	if err := sys.Rename(w.tmpPath, w.path); err != nil {
		sys.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to rename table into place: %w", err)
	}
	if err := sys.SyncDir(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to sync table directory.", "path", w.path, "error", err)
	}
	return mids, nil
}

func (w *tableWriter) abort() {
	w.file.Close()
	if err := sys.Remove(w.tmpPath); err != nil {
		w.logger.Warn("Failed to remove temporary table file.", "path", w.tmpPath, "error", err)
	}
}

// sampleMidpoints reads the sampled entries of a table whose entries start
// right after the header.
func sampleMidpoints(r io.ReaderAt, v Version, count int64, depth int) ([]Midpoint, error) {
	n := midpointCount(count, depth)
	if n == 0 {
		return nil, nil
	}
	mids := make([]Midpoint, 0, n)
	b := make([]byte, v.EntrySize())
	for i := int64(0); i < n; i++ {
		idx := midpointIndex(i, n, count)
		if _, err := r.ReadAt(b, core.PTableHeaderSize+idx*int64(v.EntrySize())); err != nil {
			return nil, fmt.Errorf("failed to read midpoint entry %d: %w", idx, err)
		}
		e := decodeEntry(b, v)
		mids = append(mids, Midpoint{Stream: e.Stream, Version: e.Version, ItemIndex: idx})
	}
	return mids, nil
}

func newHeader(v Version, prepareCP, commitCP int64) header {
	return header{Version: v, ID: uuid.New(), PrepareCheckpoint: prepareCP, CommitCheckpoint: commitCP}
}

// writeBloomFilter writes the sidecar filter of a table, prefixed with the
// table id so a sidecar left behind by another table is never trusted.
func writeBloomFilter(tablePath string, id uuid.UUID, f filter.Filter) error {
	b, err := f.Bytes()
	if err != nil {
		return err
	}
	return sys.WriteFileAtomic(tablePath+core.BloomFilterSuffix, append(id[:], b...))
}

// readBloomFilter loads the sidecar filter of the table with the given id. A
// missing, unreadable or foreign sidecar yields a nil filter.
func readBloomFilter(tablePath string, id uuid.UUID, logger *slog.Logger) *filter.Bloom {
	f, err := sys.Open(tablePath + core.BloomFilterSuffix)
	if err != nil {
		logger.Debug("No bloom filter for table.", "path", tablePath)
		return nil
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var owner uuid.UUID
	if _, err := io.ReadFull(r, owner[:]); err != nil {
		logger.Warn("Ignoring unreadable bloom filter.", "path", tablePath, "error", err)
		return nil
	}
	if owner != id {
		logger.Warn("Ignoring bloom filter written for another table.", "path", tablePath, "table_id", id, "filter_table_id", owner)
		return nil
	}
	b, err := filter.ReadBloom(r)
	if err != nil {
		logger.Warn("Ignoring unreadable bloom filter.", "path", tablePath, "error", err)
		return nil
	}
	return b
}
