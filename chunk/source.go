package chunk

import (
	"context"
	"time"
)

// Source identifies where the bytes of a read came from.
type Source int

const (
	SourceFileSystem Source = iota
	SourceChunkCache
	SourceArchive
)

func (s Source) String() string {
	switch s {
	case SourceFileSystem:
		return "FileSystem"
	case SourceChunkCache:
		return "ChunkCache"
	case SourceArchive:
		return "Archive"
	default:
		return "Unknown"
	}
}

// ReadTracker receives the latency of every chunk read, attributed to its source.
type ReadTracker interface {
	RecordRead(source Source, bytes int, elapsed time.Duration)
}

// RemoteSource serves the bytes of archived chunk files. Offsets are file offsets
// (header included), exactly as if the chunk were local.
type RemoteSource interface {
	ReadAt(ctx context.Context, chunkNumber int32, p []byte, off int64) (int, error)
	ChunkFileSize(ctx context.Context, chunkNumber int32) (int64, error)
}
