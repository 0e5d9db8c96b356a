package chunk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
)

// ErrChunkDisposed is returned when reading a chunk that was marked for deletion.
// Callers look the chunk up again, since it was replaced.
var ErrChunkDisposed = errors.New("chunk disposed")

const remoteReadTimeout = 30 * time.Second

// Options configures how a chunk is opened or created.
type Options struct {
	// InitialReaders handles are opened eagerly; at most MaxReaders are open at once.
	InitialReaders int
	MaxReaders     int
	// UseMmap maps completed local chunks read-only instead of using file handles.
	UseMmap bool
	// VerifyHash checks the footer checksum when a completed chunk is opened.
	VerifyHash bool
	// Preallocate reserves the full chunk capacity when a chunk is created.
	Preallocate bool
	Transform   TransformType
	Tracker     ReadTracker
	Logger      *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxReaders <= 0 {
		out.MaxReaders = 32
	}
	if out.InitialReaders < 0 {
		out.InitialReaders = 0
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// AppendResult reports the outcome of TryAppend. Positions are logical offsets
// relative to the chunk start position.
type AppendResult struct {
	Success     bool
	OldPosition int64
	NewPosition int64
}

// RecordResult is returned by the read operations. NextPosition is the logical
// offset of the following record when reading forward, or of the returned record
// when reading backward.
type RecordResult struct {
	Success      bool
	Record       logrecord.LogRecord
	NextPosition int64
	RecordLength int
}

// Chunk is one segment of the transaction log: header, data, optional position
// map and footer. An ongoing chunk has a single writer; a completed chunk is
// immutable. Reads take a lease for their duration so a chunk replaced by
// scavenge is only deleted once in-flight reads finish.
type Chunk struct {
	header    Header
	transform Transform
	opts      Options
	logger    *slog.Logger

	mu       sync.RWMutex
	path     string
	footer   *Footer
	posMap   []PosMap
	memData  []byte
	mapped   mmap.MMap
	readers  *sys.ReaderPool
	remote   RemoteSource
	readOnly atomic.Bool

	// Writer state, only touched by the single writer.
	writeHandle sys.FileHandle
	digest      *xxhash.Digest
	physWritten atomic.Int64
	flushedSize atomic.Int64

	leaseMu    sync.Mutex
	leases     int
	marked     bool
	disposed   bool
	deleteFile bool
}

// CreateNew creates a new ongoing chunk at path. Scavenged chunks are written by
// the scavenger and may cover the range startNumber..endNumber.
func CreateNew(path string, chunkSize int32, startNumber, endNumber int32, scavenged bool, opts Options) (*Chunk, error) {
	opts = opts.withDefaults()
	transform, err := TransformFor(opts.Transform)
	if err != nil {
		return nil, err
	}
	header := NewHeader(chunkSize, startNumber, endNumber, scavenged, opts.Transform)

	f, err := sys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file %s: %w", path, err)
	}
	hdr := header.MarshalBinary()
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		sys.Remove(path)
		return nil, fmt.Errorf("failed to write chunk header %s: %w", path, err)
	}
	c := &Chunk{
		header:      header,
		transform:   transform,
		opts:        opts,
		path:        path,
		writeHandle: f,
		digest:      xxhash.New(),
	}
	c.logger = opts.Logger.With("component", "Chunk", "chunk", startNumber)
	c.digest.Write(hdr)

	if opts.Preallocate && !scavenged {
		size := int64(core.ChunkHeaderSize) + int64(chunkSize) + core.ChunkFooterSize
		if err := sys.Preallocate(f, size); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
			c.logger.Warn("Chunk preallocation failed.", "path", path, "error", err)
		}
	}

	if c.readers, err = sys.NewReaderPool(path, opts.InitialReaders, opts.MaxReaders); err != nil {
		f.Close()
		sys.Remove(path)
		return nil, err
	}
	return c, nil
}

// FromCompletedFile opens a completed chunk, validating header, footer and file size.
func FromCompletedFile(path string, opts Options) (*Chunk, error) {
	opts = opts.withDefaults()
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk file %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat chunk file %s: %w", path, err)
	}
	c, err := openCompleted(path, st.Size(), f, opts)
	if err != nil {
		return nil, err
	}
	if c.readers, err = sys.NewReaderPool(path, opts.InitialReaders, opts.MaxReaders); err != nil {
		return nil, err
	}
	if opts.VerifyHash {
		if err := c.VerifyChecksum(); err != nil {
			c.readers.Close()
			return nil, err
		}
	}
	if opts.UseMmap {
		c.mapFile()
	}
	return c, nil
}

// FromRemote opens an archived chunk. All reads go to remote.
func FromRemote(remote RemoteSource, chunkNumber int32, opts Options) (*Chunk, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), remoteReadTimeout)
	defer cancel()
	size, err := remote.ChunkFileSize(ctx, chunkNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to stat remote chunk %d: %w", chunkNumber, err)
	}
	name := fmt.Sprintf("remote:%s", FormatName(chunkNumber, 0))
	ra := readerAtFunc(func(p []byte, off int64) (int, error) {
		return remote.ReadAt(ctx, chunkNumber, p, off)
	})
	c, err := openCompleted(name, size, ra, opts)
	if err != nil {
		return nil, err
	}
	c.remote = remote
	return c, nil
}

type readerAtFunc func(p []byte, off int64) (int, error)

func (f readerAtFunc) ReadAt(p []byte, off int64) (int, error) { return f(p, off) }

func openCompleted(path string, size int64, r io.ReaderAt, opts Options) (*Chunk, error) {
	if size < core.ChunkHeaderSize+core.ChunkFooterSize {
		return nil, &core.CorruptChunkError{Path: path, Offset: 0, Err: core.NewInvalidFile(path, 0, "file too small for a completed chunk: %d bytes", size)}
	}
	hdrBuf := make([]byte, core.ChunkHeaderSize)
	if _, err := r.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("failed to read chunk header %s: %w", path, err)
	}
	header, err := ReadHeader(path, hdrBuf)
	if err != nil {
		return nil, &core.CorruptChunkError{Path: path, Offset: 0, Err: err}
	}
	transform, err := TransformFor(header.Transform)
	if err != nil {
		return nil, &core.CorruptChunkError{Path: path, Offset: 5, Err: err}
	}

	footerOff := size - core.ChunkFooterSize
	footBuf := make([]byte, core.ChunkFooterSize)
	if _, err := r.ReadAt(footBuf, footerOff); err != nil {
		return nil, fmt.Errorf("failed to read chunk footer %s: %w", path, err)
	}
	footer, err := ReadFooter(path, footerOff, footBuf)
	if err != nil {
		return nil, &core.CorruptChunkError{Path: path, Offset: footerOff, Err: err}
	}
	if want := completedFileSize(&footer); want != size {
		return nil, &core.CorruptChunkError{Path: path, Offset: footerOff,
			Err: core.NewInvalidFile(path, footerOff, "file size %d does not match footer (expected %d)", size, want)}
	}
	if !header.IsScavenged() && footer.MapCount != 0 {
		return nil, &core.CorruptChunkError{Path: path, Offset: footerOff,
			Err: core.NewInvalidFile(path, footerOff, "position map present in a chunk that was not scavenged")}
	}

	var posMap []PosMap
	if footer.MapCount > 0 {
		mapBuf := make([]byte, footer.MapSize())
		if _, err := r.ReadAt(mapBuf, core.ChunkHeaderSize+footer.PhysicalDataSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk position map %s: %w", path, err)
		}
		posMap = unmarshalPosMap(mapBuf)
	}

	c := &Chunk{
		header:    header,
		transform: transform,
		opts:      opts,
		path:      path,
		footer:    &footer,
		posMap:    posMap,
	}
	c.logger = opts.Logger.With("component", "Chunk", "chunk", header.ChunkStartNumber)
	c.readOnly.Store(true)
	c.physWritten.Store(footer.PhysicalDataSize)
	c.flushedSize.Store(footer.PhysicalDataSize)
	return c, nil
}

// FromOngoingFile reopens the last chunk of the log for writing. writePosition is
// the logical offset recorded by the writer checkpoint; anything after it is
// discarded.
func FromOngoingFile(path string, writePosition int64, opts Options) (*Chunk, error) {
	opts = opts.withDefaults()
	f, err := sys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ongoing chunk %s: %w", path, err)
	}
	fail := func(err error) (*Chunk, error) {
		f.Close()
		return nil, err
	}
	hdrBuf := make([]byte, core.ChunkHeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return fail(&core.CorruptChunkError{Path: path, Offset: 0, Err: core.NewInvalidFile(path, 0, "cannot read header: %v", err)})
	}
	header, err := ReadHeader(path, hdrBuf)
	if err != nil {
		return fail(&core.CorruptChunkError{Path: path, Offset: 0, Err: err})
	}
	if header.IsScavenged() {
		return fail(&core.CorruptChunkError{Path: path, Offset: 6, Err: core.NewInvalidFile(path, 6, "ongoing chunk cannot be scavenged")})
	}
	transform, err := TransformFor(header.Transform)
	if err != nil {
		return fail(&core.CorruptChunkError{Path: path, Offset: 5, Err: err})
	}
	st, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	end := core.ChunkHeaderSize + writePosition
	if writePosition < 0 || writePosition > int64(header.ChunkSize) || st.Size() < end {
		return fail(&core.CorruptChunkError{Path: path, Offset: end,
			Err: core.NewInvalidFile(path, end, "writer position %d is beyond chunk data (file size %d)", writePosition, st.Size())})
	}
	if st.Size() > end {
		if err := f.Truncate(end); err != nil {
			return fail(fmt.Errorf("failed to truncate ongoing chunk %s: %w", path, err))
		}
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(f, 0, end)); err != nil {
		return fail(fmt.Errorf("failed to hash ongoing chunk %s: %w", path, err))
	}

	c := &Chunk{
		header:      header,
		transform:   transform,
		opts:        opts,
		path:        path,
		writeHandle: f,
		digest:      digest,
	}
	c.logger = opts.Logger.With("component", "Chunk", "chunk", header.ChunkStartNumber)
	c.physWritten.Store(writePosition)
	c.flushedSize.Store(writePosition)
	if c.readers, err = sys.NewReaderPool(path, opts.InitialReaders, opts.MaxReaders); err != nil {
		return fail(err)
	}
	return c, nil
}

func (c *Chunk) mapFile() {
	h, err := sys.Open(c.Path())
	if err != nil {
		c.logger.Warn("Cannot open chunk for mapping, using file reads.", "error", err)
		return
	}
	defer h.Close()
	of, ok := h.(interface{ OSFile() *os.File })
	if !ok {
		return
	}
	m, err := mmap.Map(of.OSFile(), mmap.RDONLY, 0)
	if err != nil {
		c.logger.Warn("Chunk memory mapping failed, using file reads.", "error", err)
		return
	}
	c.mu.Lock()
	c.mapped = m
	c.mu.Unlock()
}

// --- Accessors ---

func (c *Chunk) Header() Header { return c.header }

func (c *Chunk) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Chunk) StartNumber() int32 { return c.header.ChunkStartNumber }
func (c *Chunk) EndNumber() int32   { return c.header.ChunkEndNumber }

func (c *Chunk) ChunkStartPosition() int64 { return c.header.ChunkStartPosition() }
func (c *Chunk) ChunkEndPosition() int64   { return c.header.ChunkEndPosition() }

func (c *Chunk) IsReadOnly() bool  { return c.readOnly.Load() }
func (c *Chunk) IsScavenged() bool { return c.header.IsScavenged() }

func (c *Chunk) IsRemote() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote != nil
}

func (c *Chunk) IsCached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memData != nil
}

// Footer returns the footer of a completed chunk.
func (c *Chunk) Footer() (Footer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.footer == nil {
		return Footer{}, false
	}
	return *c.footer, true
}

// PhysicalDataSize is the number of data bytes written.
func (c *Chunk) PhysicalDataSize() int64 { return c.physWritten.Load() }

// LogicalDataSize is the logical extent of the data, which differs from the
// physical size for scavenged chunks.
func (c *Chunk) LogicalDataSize() int64 {
	if f, ok := c.Footer(); ok {
		return f.LogicalDataSize
	}
	return c.physWritten.Load()
}

// FileSize is the size of the chunk file on disk.
func (c *Chunk) FileSize() int64 {
	if f, ok := c.Footer(); ok {
		return completedFileSize(&f)
	}
	return core.ChunkHeaderSize + c.physWritten.Load()
}

// capacity is the number of data bytes the chunk accepts.
func (c *Chunk) capacity() int64 {
	if c.header.IsScavenged() {
		n := int64(c.header.ChunkEndNumber-c.header.ChunkStartNumber+1) * int64(c.header.ChunkSize)
		if n > math.MaxInt32 {
			n = math.MaxInt32
		}
		return n
	}
	return int64(c.header.ChunkSize)
}

// --- Leases ---

// Acquire takes a lease. It returns false when the chunk was marked for deletion.
func (c *Chunk) Acquire() bool {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.marked || c.disposed {
		return false
	}
	c.leases++
	return true
}

// Release returns a lease. The last release of a marked chunk deletes it.
func (c *Chunk) Release() {
	c.leaseMu.Lock()
	c.leases--
	dispose := c.leases == 0 && c.marked && !c.disposed
	if dispose {
		c.disposed = true
	}
	c.leaseMu.Unlock()
	if dispose {
		c.dispose()
	}
}

// MarkForDeletion makes the chunk unavailable to new readers and deletes its
// file once the current leases are released.
func (c *Chunk) MarkForDeletion() {
	c.leaseMu.Lock()
	c.marked = true
	c.deleteFile = true
	dispose := c.leases == 0 && !c.disposed
	if dispose {
		c.disposed = true
	}
	c.leaseMu.Unlock()
	if dispose {
		c.dispose()
	}
}

// WaitForDisposal blocks until the chunk was disposed or ctx is done.
func (c *Chunk) WaitForDisposal(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		c.leaseMu.Lock()
		done := c.disposed && c.leases <= 0
		c.leaseMu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return core.Cancelled(ctx.Err())
		case <-t.C:
		}
	}
}

// Abort discards a chunk being written, used for scavenge output that will not be
// switched in. deleteImmediately skips waiting for leases.
func (c *Chunk) Abort(deleteImmediately bool) {
	if !deleteImmediately {
		c.MarkForDeletion()
		return
	}
	c.leaseMu.Lock()
	c.marked = true
	c.deleteFile = true
	already := c.disposed
	c.disposed = true
	c.leaseMu.Unlock()
	if !already {
		c.dispose()
	}
}

// Close releases handles without deleting the file.
func (c *Chunk) Close() error {
	c.leaseMu.Lock()
	already := c.disposed
	c.disposed = true
	c.leaseMu.Unlock()
	if already {
		return nil
	}
	return c.closeResources()
}

func (c *Chunk) dispose() {
	if err := c.closeResources(); err != nil {
		c.logger.Warn("Error closing chunk resources.", "error", err)
	}
	c.leaseMu.Lock()
	del := c.deleteFile
	c.leaseMu.Unlock()
	if !del || c.IsRemote() {
		return
	}
	path := c.Path()
	if err := sys.Remove(path); err != nil {
		c.logger.Error("Failed to delete chunk file.", "path", path, "error", err)
		return
	}
	c.logger.Debug("Deleted chunk file.", "path", path)
}

func (c *Chunk) closeResources() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if c.writeHandle != nil {
		if err := c.writeHandle.Close(); err != nil {
			firstErr = err
		}
		c.writeHandle = nil
	}
	if c.mapped != nil {
		if err := c.mapped.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.mapped = nil
	}
	if c.readers != nil {
		if err := c.readers.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.memData = nil
	return firstErr
}

// Rename moves the chunk file, used when a scavenged temp chunk is switched in.
func (c *Chunk) Rename(newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := sys.Rename(c.path, newPath); err != nil {
		return fmt.Errorf("failed to rename chunk %s to %s: %w", c.path, newPath, err)
	}
	c.path = newPath
	if c.readers != nil {
		c.readers.SetPath(newPath)
	}
	return nil
}

// --- Writing ---

// TryAppend writes rec at the end of the chunk. Success is false when the record
// does not fit; the caller completes this chunk and retries on a new one.
func (c *Chunk) TryAppend(rec logrecord.LogRecord) (AppendResult, error) {
	if c.readOnly.Load() {
		return AppendResult{}, fmt.Errorf("%w: %s", core.ErrReadOnly, c.Path())
	}
	buf := core.RecordBufferPool.Get()
	defer core.RecordBufferPool.Put(buf)

	framed, err := c.frame(buf.Bytes()[:0], rec)
	if err != nil {
		return AppendResult{}, err
	}
	phys := c.physWritten.Load()
	if phys+int64(len(framed)) > c.capacity() {
		return AppendResult{Success: false, OldPosition: phys, NewPosition: phys}, nil
	}

	var logical int64 = phys
	if c.header.IsScavenged() {
		logical = rec.Position() - c.header.ChunkStartPosition()
		c.mu.RLock()
		n := len(c.posMap)
		last := PosMap{LogPos: -1}
		if n > 0 {
			last = c.posMap[n-1]
		}
		c.mu.RUnlock()
		if logical < 0 || logical <= last.LogPos {
			return AppendResult{}, fmt.Errorf("record position %d out of order for scavenged chunk %s", rec.Position(), c.Path())
		}
	}

	c.transform.Encode(framed, phys)
	if _, err := c.writeHandle.WriteAt(framed, core.ChunkHeaderSize+phys); err != nil {
		return AppendResult{}, fmt.Errorf("failed to append to chunk %s: %w", c.Path(), err)
	}
	c.digest.Write(framed)

	c.mu.Lock()
	if c.memData != nil {
		c.memData = append(c.memData, framed...)
	}
	if c.header.IsScavenged() {
		c.posMap = append(c.posMap, PosMap{LogPos: logical, ActualPos: int32(phys)})
	}
	c.physWritten.Store(phys + int64(len(framed)))
	c.mu.Unlock()

	return AppendResult{Success: true, OldPosition: logical, NewPosition: logical + int64(len(framed))}, nil
}

// frame serializes rec into its on-disk frame, applying a record transform if any.
func (c *Chunk) frame(dst []byte, rec logrecord.LogRecord) ([]byte, error) {
	rt, ok := c.transform.(RecordTransform)
	if !ok {
		return logrecord.SerializeFramed(dst, rec)
	}
	raw, err := logrecord.Serialize(rec)
	if err != nil {
		return nil, err
	}
	payload, err := rt.EncodeRecord(nil, raw)
	if err != nil {
		return nil, err
	}
	return logrecord.AppendFramed(dst, payload), nil
}

// deserialize decodes a frame payload written by frame.
func (c *Chunk) deserialize(payload []byte) (logrecord.LogRecord, error) {
	if rt, ok := c.transform.(RecordTransform); ok {
		raw, err := rt.DecodeRecord(payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	return logrecord.Deserialize(payload)
}

// Flush makes appended records durable.
func (c *Chunk) Flush() error {
	if c.readOnly.Load() {
		return nil
	}
	size := c.physWritten.Load()
	if err := c.writeHandle.Sync(); err != nil {
		return fmt.Errorf("failed to flush chunk %s: %w", c.Path(), err)
	}
	c.flushedSize.Store(size)
	return nil
}

// FlushedSize is the number of data bytes known durable.
func (c *Chunk) FlushedSize() int64 { return c.flushedSize.Load() }

// Complete writes the footer of a regular chunk and makes it read-only.
func (c *Chunk) Complete() error {
	if c.header.IsScavenged() {
		return fmt.Errorf("scavenged chunk %s must be completed with CompleteScavenge", c.Path())
	}
	return c.complete(nil, c.physWritten.Load())
}

// CompleteScavenge writes the position map and footer of a scavenged chunk.
// logicalDataSize is the logical extent covered by the source chunks.
func (c *Chunk) CompleteScavenge(logicalDataSize int64) error {
	if !c.header.IsScavenged() {
		return fmt.Errorf("chunk %s is not a scavenged chunk", c.Path())
	}
	c.mu.RLock()
	entries := c.posMap
	c.mu.RUnlock()
	return c.complete(entries, logicalDataSize)
}

func (c *Chunk) complete(entries []PosMap, logicalDataSize int64) error {
	if c.readOnly.Load() {
		return fmt.Errorf("%w: %s", core.ErrReadOnly, c.Path())
	}
	phys := c.physWritten.Load()
	off := core.ChunkHeaderSize + phys

	mapBytes := marshalPosMap(entries)
	if len(mapBytes) > 0 {
		if _, err := c.writeHandle.WriteAt(mapBytes, off); err != nil {
			return fmt.Errorf("failed to write position map of %s: %w", c.Path(), err)
		}
		c.digest.Write(mapBytes)
		off += int64(len(mapBytes))
	}

	footer := Footer{
		Flags:            FooterFlagCompleted,
		PhysicalDataSize: phys,
		LogicalDataSize:  logicalDataSize,
		MapCount:         int32(len(entries)),
		Checksum:         c.digest.Sum64(),
	}
	if _, err := c.writeHandle.WriteAt(footer.MarshalBinary(), off); err != nil {
		return fmt.Errorf("failed to write footer of %s: %w", c.Path(), err)
	}
	if err := c.writeHandle.Truncate(off + core.ChunkFooterSize); err != nil {
		return fmt.Errorf("failed to trim chunk %s: %w", c.Path(), err)
	}
	if err := c.writeHandle.Sync(); err != nil {
		return fmt.Errorf("failed to sync completed chunk %s: %w", c.Path(), err)
	}

	c.mu.Lock()
	c.footer = &footer
	c.posMap = entries
	closeErr := c.writeHandle.Close()
	c.writeHandle = nil
	c.mu.Unlock()
	c.flushedSize.Store(phys)
	c.readOnly.Store(true)

	if closeErr != nil {
		return fmt.Errorf("failed to close completed chunk %s: %w", c.Path(), closeErr)
	}
	if c.opts.UseMmap {
		c.mapFile()
	}
	c.logger.Debug("Chunk completed.", "path", c.Path(), "physical_size", phys, "logical_size", logicalDataSize, "map_entries", len(entries))
	return nil
}

// --- Caching ---

// CacheInMemory loads the data region into memory. Later reads are served from it.
func (c *Chunk) CacheInMemory() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memData != nil {
		return nil
	}
	size := c.physWritten.Load()
	data := make([]byte, size, size+int64(core.DefaultRecordBufferSize))
	if size > 0 {
		if _, err := c.readRawLocked(data, 0); err != nil {
			return fmt.Errorf("failed to cache chunk %s: %w", c.path, err)
		}
	}
	c.memData = data
	return nil
}

// UnCacheFromMemory drops the in-memory copy.
func (c *Chunk) UnCacheFromMemory() {
	c.mu.Lock()
	c.memData = nil
	c.mu.Unlock()
}

// --- Reading ---

func (c *Chunk) readRawLocked(p []byte, off int64) (Source, error) {
	if c.memData != nil && off+int64(len(p)) <= int64(len(c.memData)) {
		copy(p, c.memData[off:])
		return SourceChunkCache, nil
	}
	fileOff := core.ChunkHeaderSize + off
	if c.mapped != nil && fileOff+int64(len(p)) <= int64(len(c.mapped)) {
		copy(p, c.mapped[fileOff:])
		return SourceFileSystem, nil
	}
	if c.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remoteReadTimeout)
		defer cancel()
		if _, err := c.remote.ReadAt(ctx, c.header.ChunkStartNumber, p, fileOff); err != nil {
			return SourceArchive, err
		}
		return SourceArchive, nil
	}
	if c.readers == nil {
		return SourceFileSystem, core.ErrClosed
	}
	err := c.readers.With(func(h sys.FileHandle) error {
		_, err := h.ReadAt(p, fileOff)
		return err
	})
	return SourceFileSystem, err
}

// readData fills p with decoded bytes of the data region starting at off.
func (c *Chunk) readData(p []byte, off int64) error {
	start := time.Now()
	c.mu.RLock()
	src, err := c.readRawLocked(p, off)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to read chunk %s at %d: %w", c.Path(), off, err)
	}
	c.transform.Decode(p, off)
	if c.opts.Tracker != nil {
		c.opts.Tracker.RecordRead(src, len(p), time.Since(start))
	}
	return nil
}

func (c *Chunk) corrupt(off int64, format string, args ...any) error {
	return errf(c.Path(), core.ChunkHeaderSize+off, format, args...)
}

// readForward reads the record starting at physical offset off.
func (c *Chunk) readForward(off, dataSize int64) (logrecord.LogRecord, int, error) {
	if off < 0 || off+logrecord.FrameOverhead > dataSize {
		return nil, 0, c.corrupt(off, "record frame at %d exceeds data size %d", off, dataSize)
	}
	var lenBuf [4]byte
	if err := c.readData(lenBuf[:], off); err != nil {
		return nil, 0, err
	}
	n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if n == 0 || n > core.MaxRecordSize || off+n+logrecord.FrameOverhead > dataSize {
		return nil, 0, c.corrupt(off, "invalid record length %d", n)
	}
	buf := make([]byte, n+4)
	if err := c.readData(buf, off+4); err != nil {
		return nil, 0, err
	}
	if suffix := int64(binary.LittleEndian.Uint32(buf[n:])); suffix != n {
		return nil, 0, c.corrupt(off, "prefix length %d does not match suffix length %d", n, suffix)
	}
	rec, err := c.deserialize(buf[:n])
	if err != nil {
		return nil, 0, &core.CorruptChunkError{Path: c.Path(), Offset: core.ChunkHeaderSize + off + 4, Err: err}
	}
	return rec, int(n + logrecord.FrameOverhead), nil
}

// readBackward reads the record that ends at physical offset end.
func (c *Chunk) readBackward(end int64) (logrecord.LogRecord, int64, int, error) {
	if end < logrecord.FrameOverhead {
		return nil, 0, 0, c.corrupt(end, "no record ends at %d", end)
	}
	var lenBuf [4]byte
	if err := c.readData(lenBuf[:], end-4); err != nil {
		return nil, 0, 0, err
	}
	n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	start := end - n - logrecord.FrameOverhead
	if n == 0 || n > core.MaxRecordSize || start < 0 {
		return nil, 0, 0, c.corrupt(end-4, "invalid record suffix length %d", n)
	}
	buf := make([]byte, n+4)
	if err := c.readData(buf, start); err != nil {
		return nil, 0, 0, err
	}
	if prefix := int64(binary.LittleEndian.Uint32(buf[:4])); prefix != n {
		return nil, 0, 0, c.corrupt(start, "prefix length %d does not match suffix length %d", prefix, n)
	}
	rec, err := c.deserialize(buf[4:n+4])
	if err != nil {
		return nil, 0, 0, &core.CorruptChunkError{Path: c.Path(), Offset: core.ChunkHeaderSize + start + 4, Err: err}
	}
	return rec, start, int(n + logrecord.FrameOverhead), nil
}

type readState struct {
	dataSize    int64
	logicalSize int64
	posMap      []PosMap
}

func (c *Chunk) state() readState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := readState{dataSize: c.physWritten.Load(), posMap: c.posMap}
	s.logicalSize = s.dataSize
	if c.footer != nil {
		s.logicalSize = c.footer.LogicalDataSize
	}
	return s
}

func (c *Chunk) lease() error {
	if !c.Acquire() {
		return ErrChunkDisposed
	}
	return nil
}

func (c *Chunk) checkPosition(rec logrecord.LogRecord, logical, off int64) error {
	if want := c.header.ChunkStartPosition() + logical; rec.Position() != want {
		return c.corrupt(off, "record at logical offset %d has log position %d, expected %d", logical, rec.Position(), want)
	}
	return nil
}

// TryReadAt reads the record at the logical offset localPos. When couldBeScavenged
// is true a record boundary mismatch means the record was removed and is reported
// as not found instead of corruption.
func (c *Chunk) TryReadAt(localPos int64, couldBeScavenged bool) (RecordResult, error) {
	if err := c.lease(); err != nil {
		return RecordResult{}, err
	}
	defer c.Release()

	s := c.state()
	if c.header.IsScavenged() {
		idx := findExact(s.posMap, localPos)
		if idx < 0 {
			return RecordResult{}, nil
		}
		return c.readMapped(s, idx, couldBeScavenged)
	}
	if localPos < 0 || localPos >= s.dataSize {
		return RecordResult{}, nil
	}
	rec, n, err := c.readForward(localPos, s.dataSize)
	if err == nil {
		err = c.checkPosition(rec, localPos, localPos)
	}
	if err != nil {
		if couldBeScavenged && core.IsCorruptChunk(err) {
			return RecordResult{}, nil
		}
		return RecordResult{}, err
	}
	return RecordResult{Success: true, Record: rec, NextPosition: localPos + int64(n), RecordLength: n}, nil
}

func (c *Chunk) readMapped(s readState, idx int, couldBeScavenged bool) (RecordResult, error) {
	entry := s.posMap[idx]
	rec, n, err := c.readForward(int64(entry.ActualPos), s.dataSize)
	if err == nil {
		err = c.checkPosition(rec, entry.LogPos, int64(entry.ActualPos))
	}
	if err != nil {
		if couldBeScavenged && core.IsCorruptChunk(err) {
			return RecordResult{}, nil
		}
		return RecordResult{}, err
	}
	next := s.logicalSize
	if idx+1 < len(s.posMap) {
		next = s.posMap[idx+1].LogPos
	}
	return RecordResult{Success: true, Record: rec, NextPosition: next, RecordLength: n}, nil
}

// TryReadFirst reads the first record of the chunk.
func (c *Chunk) TryReadFirst() (RecordResult, error) {
	return c.TryReadClosestForward(0)
}

// TryReadClosestForward reads the first record at or after localPos.
func (c *Chunk) TryReadClosestForward(localPos int64) (RecordResult, error) {
	if !c.header.IsScavenged() {
		return c.TryReadAt(localPos, false)
	}
	if err := c.lease(); err != nil {
		return RecordResult{}, err
	}
	defer c.Release()
	s := c.state()
	idx := findFirstAtOrAfter(s.posMap, localPos)
	if idx >= len(s.posMap) {
		return RecordResult{}, nil
	}
	return c.readMapped(s, idx, false)
}

// TryReadClosestBackward reads the last record that starts before localPos.
// NextPosition is the logical offset of the returned record.
func (c *Chunk) TryReadClosestBackward(localPos int64) (RecordResult, error) {
	if err := c.lease(); err != nil {
		return RecordResult{}, err
	}
	defer c.Release()
	s := c.state()

	if c.header.IsScavenged() {
		idx := findFirstAtOrAfter(s.posMap, localPos) - 1
		if idx < 0 {
			return RecordResult{}, nil
		}
		res, err := c.readMapped(s, idx, false)
		if err != nil || !res.Success {
			return res, err
		}
		res.NextPosition = s.posMap[idx].LogPos
		return res, nil
	}

	if localPos > s.dataSize {
		localPos = s.dataSize
	}
	if localPos <= 0 {
		return RecordResult{}, nil
	}
	rec, start, n, err := c.readBackward(localPos)
	if err == nil {
		err = c.checkPosition(rec, start, start)
	}
	if err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Success: true, Record: rec, NextPosition: start, RecordLength: n}, nil
}

// TryReadLast reads the last record of the chunk.
func (c *Chunk) TryReadLast() (RecordResult, error) {
	return c.TryReadClosestBackward(math.MaxInt64)
}

// VerifyChecksum recomputes the footer checksum of a completed chunk.
func (c *Chunk) VerifyChecksum() error {
	footer, ok := c.Footer()
	if !ok {
		return fmt.Errorf("chunk %s is not completed", c.Path())
	}
	total := core.ChunkHeaderSize + footer.PhysicalDataSize + footer.MapSize()
	digest := xxhash.New()
	buf := make([]byte, 64*1024)
	for off := int64(0); off < total; {
		n := int64(len(buf))
		if total-off < n {
			n = total - off
		}
		if err := c.readFile(buf[:n], off); err != nil {
			return err
		}
		digest.Write(buf[:n])
		off += n
	}
	if sum := digest.Sum64(); sum != footer.Checksum {
		return &core.CorruptChunkError{Path: c.Path(), Offset: total,
			Err: core.NewInvalidFile(c.Path(), total, "checksum mismatch: computed %x, footer %x", sum, footer.Checksum)}
	}
	return nil
}

// readFile reads raw file bytes (no transform) at a file offset.
func (c *Chunk) readFile(p []byte, fileOff int64) error {
	c.mu.RLock()
	mapped, remote, readers := c.mapped, c.remote, c.readers
	c.mu.RUnlock()
	switch {
	case mapped != nil && fileOff+int64(len(p)) <= int64(len(mapped)):
		copy(p, mapped[fileOff:])
		return nil
	case remote != nil:
		ctx, cancel := context.WithTimeout(context.Background(), remoteReadTimeout)
		defer cancel()
		_, err := remote.ReadAt(ctx, c.header.ChunkStartNumber, p, fileOff)
		return err
	case readers != nil:
		return readers.With(func(h sys.FileHandle) error {
			_, err := h.ReadAt(p, fileOff)
			return err
		})
	default:
		return core.ErrClosed
	}
}
