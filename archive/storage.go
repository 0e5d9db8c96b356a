package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/eventcore/cache"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cenkalti/backoff/v4"
)

// Options configures archive Storage.
type Options struct {
	Store       BlobStore
	Compression core.CompressionType
	FrameSize   int
	// Prefix is prepended to every blob name.
	Prefix string
	// IndexCacheSize bounds the frame indexes kept in memory.
	IndexCacheSize int
	// FrameCacheSize bounds the decompressed frames kept in memory.
	FrameCacheSize int
	// MaxRetries bounds retries of a failed blob operation.
	MaxRetries uint64
	Logger     *slog.Logger
}

// Storage stores completed chunk files in a BlobStore and serves them back as
// a chunk.RemoteSource.
type Storage struct {
	opts    Options
	store   BlobStore
	indexes *cache.LRUCache
	frames  *cache.LRUCache
	logger  *slog.Logger
}

var _ chunk.RemoteSource = (*Storage)(nil)

func New(opts Options) (*Storage, error) {
	if opts.Store == nil {
		return nil, errors.New("archive storage needs a blob store")
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.IndexCacheSize <= 0 {
		opts.IndexCacheSize = 256
	}
	if opts.FrameCacheSize <= 0 {
		opts.FrameCacheSize = 16
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Archive_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Archive")
	}
	return &Storage{
		opts:    opts,
		store:   opts.Store,
		indexes: cache.NewLRUCache(opts.IndexCacheSize, nil, nil, nil),
		frames:  cache.NewLRUCache(opts.FrameCacheSize, nil, nil, nil),
		logger:  opts.Logger,
	}, nil
}

// FrameCache exposes the decompressed frame cache so it can be resized.
func (s *Storage) FrameCache() *cache.LRUCache { return s.frames }

// BlobName is the name chunk chunkNumber is archived under.
func (s *Storage) BlobName(chunkNumber int32) string {
	return s.opts.Prefix + chunk.FormatName(chunkNumber, 0)
}

// ResolveChunkNumber maps a blob name back to its chunk number. Only version 0
// names are produced by the archive.
func (s *Storage) ResolveChunkNumber(name string) (int32, error) {
	rest, ok := strings.CutPrefix(name, s.opts.Prefix)
	if !ok {
		return 0, fmt.Errorf("blob %q does not carry the archive prefix %q", name, s.opts.Prefix)
	}
	start, version, err := chunk.ParseName(rest)
	if err != nil {
		return 0, err
	}
	if version != 0 {
		return 0, fmt.Errorf("blob %q has version %d; archived chunks are version 0", name, version)
	}
	return start, nil
}

func (s *Storage) checkpointName() string { return s.opts.Prefix + core.ArchiveCheckpointObject }

// retry runs op with exponential backoff. Missing blobs are not retried.
func (s *Storage) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.opts.MaxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, ErrBlobNotFound) || core.IsInvalidFile(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("Archive operation failed, retrying.", "op", what, "error", err, "wait", wait)
	})
}

// StoreChunk archives the completed chunk file at path as chunkNumber. The file
// is compressed into a local staging file first so the upload can be retried.
func (s *Storage) StoreChunk(ctx context.Context, path string, chunkNumber int32) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk %s for archiving: %w", path, err)
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return err
	}

	staging, err := os.CreateTemp("", "eventcore-archive-*"+core.TempFileSuffix)
	if err != nil {
		return err
	}
	defer func() {
		staging.Close()
		sys.Remove(staging.Name())
	}()
	size, err := writeFrames(staging, src, st.Size(), s.opts.FrameSize, s.opts.Compression)
	if err != nil {
		return fmt.Errorf("failed to frame chunk %s: %w", path, err)
	}

	name := s.BlobName(chunkNumber)
	err = s.retry(ctx, "put", func() error {
		if _, err := staging.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		return s.store.Put(ctx, name, staging, size)
	})
	if err != nil {
		return fmt.Errorf("failed to archive chunk %d: %w", chunkNumber, err)
	}
	s.indexes.Remove(name)
	s.frames.Clear()
	s.logger.Info("Chunk archived.", "chunk", chunkNumber, "blob", name, "raw_size", st.Size(), "stored_size", size)
	return nil
}

// index loads the frame index of an archived chunk, caching it.
func (s *Storage) index(ctx context.Context, chunkNumber int32) (*frameIndex, string, error) {
	name := s.BlobName(chunkNumber)
	if v, ok := s.indexes.Get(name); ok {
		return v.(*frameIndex), name, nil
	}
	var fi *frameIndex
	err := s.retry(ctx, "index", func() error {
		size, err := s.store.Size(ctx, name)
		if err != nil {
			return err
		}
		if size < trailerSize {
			return core.NewInvalidFile(name, 0, "blob too small for an archived chunk: %d bytes", size)
		}
		tr := make([]byte, trailerSize)
		if _, err := s.store.ReadAt(ctx, name, tr, size-trailerSize); err != nil {
			return err
		}
		idx, indexOffset, count, checksum, err := parseTrailer(name, tr, size)
		if err != nil {
			return err
		}
		buf := make([]byte, count*frameEntrySize)
		if _, err := s.store.ReadAt(ctx, name, buf, indexOffset); err != nil {
			return err
		}
		if err := parseEntries(name, idx, buf, indexOffset, checksum); err != nil {
			return err
		}
		fi = idx
		return nil
	})
	if err != nil {
		return nil, name, err
	}
	s.indexes.Put(name, fi)
	return fi, name, nil
}

func (s *Storage) frame(ctx context.Context, name string, fi *frameIndex, i int) ([]byte, error) {
	key := name + "#" + strconv.Itoa(i)
	if v, ok := s.frames.Get(key); ok {
		return v.([]byte), nil
	}
	e := fi.Frames[i]
	stored := make([]byte, e.StoredLen)
	err := s.retry(ctx, "read", func() error {
		_, err := s.store.ReadAt(ctx, name, stored, e.Offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	raw, err := decodeFrame(fi, i, stored)
	if err != nil {
		return nil, &core.CorruptChunkError{Path: name, Offset: e.Offset, Err: err}
	}
	s.frames.Put(key, raw)
	return raw, nil
}

// ChunkFileSize returns the size of the original chunk file.
func (s *Storage) ChunkFileSize(ctx context.Context, chunkNumber int32) (int64, error) {
	fi, _, err := s.index(ctx, chunkNumber)
	if err != nil {
		return 0, err
	}
	return fi.RawSize, nil
}

// ReadAt reads the original chunk file bytes at off.
func (s *Storage) ReadAt(ctx context.Context, chunkNumber int32, p []byte, off int64) (int, error) {
	fi, name, err := s.index(ctx, chunkNumber)
	if err != nil {
		return 0, err
	}
	if off < 0 || off+int64(len(p)) > fi.RawSize {
		return 0, fmt.Errorf("read of %d bytes at %d is outside archived chunk %d (%d bytes): %w",
			len(p), off, chunkNumber, fi.RawSize, io.ErrUnexpectedEOF)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		i := fi.frameFor(pos)
		raw, err := s.frame(ctx, name, fi, i)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], raw[pos-int64(i)*int64(fi.FrameSize):])
	}
	return n, nil
}

// GetCheckpoint returns the archived position, 0 when nothing was archived.
func (s *Storage) GetCheckpoint(ctx context.Context) (int64, error) {
	var buf [8]byte
	err := s.retry(ctx, "get checkpoint", func() error {
		_, err := s.store.ReadAt(ctx, s.checkpointName(), buf[:], 0)
		return err
	})
	if errors.Is(err, ErrBlobNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (s *Storage) SetCheckpoint(ctx context.Context, pos int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pos))
	return s.retry(ctx, "set checkpoint", func() error {
		return s.store.Put(ctx, s.checkpointName(), bytes.NewReader(buf[:]), int64(len(buf)))
	})
}

// Delete removes an archived chunk.
func (s *Storage) Delete(ctx context.Context, chunkNumber int32) error {
	name := s.BlobName(chunkNumber)
	s.indexes.Remove(name)
	return s.retry(ctx, "delete", func() error { return s.store.Delete(ctx, name) })
}
