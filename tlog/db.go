package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/checkpoint"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
	"github.com/hashicorp/go-multierror"
)

// Options configures a transaction log database.
type Options struct {
	Dir          string
	ChunkSize    int32
	CachedChunks int
	// InMemory keeps checkpoints in memory only. Chunk files are still written to Dir.
	InMemory bool
	Chunk    chunk.Options
	// Remote serves chunks whose local files were retired after archiving.
	Remote    chunk.RemoteSource
	Publisher bus.Publisher
	Logger    *slog.Logger
}

// Checkpoints groups the well-known checkpoints of a database.
type Checkpoints struct {
	Writer      checkpoint.Checkpoint
	Chaser      checkpoint.Checkpoint
	Epoch       checkpoint.Checkpoint
	Truncate    checkpoint.Checkpoint
	Replication checkpoint.Checkpoint
	Index       checkpoint.Checkpoint
	Archive     checkpoint.Checkpoint
}

func (c *Checkpoints) all() []checkpoint.Checkpoint {
	return []checkpoint.Checkpoint{c.Writer, c.Chaser, c.Epoch, c.Truncate, c.Replication, c.Index, c.Archive}
}

// DB is a chunked transaction log with its checkpoints.
type DB struct {
	opts        Options
	Manager     *Manager
	Checkpoints Checkpoints
	publisher   bus.Publisher
	logger      *slog.Logger
}

// New opens the checkpoints of the database in opts.Dir. Call Open to load chunks.
func New(opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "TransactionLog_default")
	} else {
		opts.Logger = opts.Logger.With("component", "TransactionLog")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = core.DefaultChunkSize
	}
	if opts.Publisher == nil {
		opts.Publisher = bus.NopPublisher{}
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", opts.Dir, err)
	}

	db := &DB{opts: opts, publisher: opts.Publisher, logger: opts.Logger}
	open := func(name string, init int64) (checkpoint.Checkpoint, error) {
		if opts.InMemory {
			return checkpoint.NewInMemory(name, init), nil
		}
		return checkpoint.OpenFile(checkpoint.Path(opts.Dir, name), name, init, opts.Logger)
	}
	var err error
	cps := &db.Checkpoints
	for _, cp := range []struct {
		dst  *checkpoint.Checkpoint
		name string
		init int64
	}{
		{&cps.Writer, core.WriterCheckpoint, 0},
		{&cps.Chaser, core.ChaserCheckpoint, 0},
		{&cps.Epoch, core.EpochCheckpoint, -1},
		{&cps.Truncate, core.TruncateCheckpoint, -1},
		{&cps.Replication, core.ReplicationCheckpoint, -1},
		{&cps.Index, core.IndexCheckpoint, -1},
		{&cps.Archive, core.ArchiveCheckpoint, 0},
	} {
		if *cp.dst, err = open(cp.name, cp.init); err != nil {
			return nil, fmt.Errorf("failed to open %s checkpoint: %w", cp.name, err)
		}
	}

	db.Manager = NewManager(ManagerOptions{
		Dir:          opts.Dir,
		ChunkSize:    opts.ChunkSize,
		CachedChunks: opts.CachedChunks,
		Chunk:        opts.Chunk,
		Logger:       opts.Logger,
	})
	return db, nil
}

func (db *DB) Dir() string { return db.opts.Dir }

func (db *DB) ChunkSize() int32 { return db.opts.ChunkSize }

func (db *DB) Publisher() bus.Publisher { return db.publisher }

func (db *DB) Logger() *slog.Logger { return db.logger }

// Open validates the chunk files against the writer checkpoint and loads them.
// Every chunk up to the writer position must be present locally or remotely;
// the chunk holding the writer position is reopened for writing. Temp files,
// superseded versions and chunks past the writer are removed.
func (db *DB) Open(ctx context.Context) error {
	if err := db.applyTruncation(); err != nil {
		return err
	}

	writer := db.Checkpoints.Writer.Read()
	chunkSize := int64(db.opts.ChunkSize)
	lastChunkNum := int32(writer / chunkSize)
	lastChunkLocal := writer % chunkSize
	naming := db.Manager.Naming()

	temps, err := naming.GetAllTempFiles()
	if err != nil {
		return err
	}
	for _, p := range temps {
		db.Manager.removeFile(p, "leftover temp file")
	}

	for n := int32(0); n <= lastChunkNum; {
		if err := ctx.Err(); err != nil {
			db.Manager.Close()
			return core.Cancelled(err)
		}
		versions, err := naming.GetAllVersionsFor(n)
		if err != nil {
			return err
		}
		for _, old := range versionsToRemove(versions) {
			db.Manager.removeFile(old, "superseded version")
		}

		var c *chunk.Chunk
		switch {
		case len(versions) == 0 && n == lastChunkNum && lastChunkLocal == 0:
			// Crash between completing the previous chunk and creating this one.
			if _, err := db.Manager.AddNewChunk(); err != nil {
				return err
			}
			n++
			continue
		case len(versions) == 0:
			if c, err = db.openRemote(n); err != nil {
				db.Manager.Close()
				return err
			}
		case n == lastChunkNum:
			if c, err = chunk.FromOngoingFile(versions[0], lastChunkLocal, db.Manager.ChunkOptions()); err != nil {
				db.Manager.Close()
				return err
			}
		default:
			if c, err = chunk.FromCompletedFile(versions[0], db.Manager.ChunkOptions()); err != nil {
				db.Manager.Close()
				return err
			}
		}
		if c.EndNumber() > lastChunkNum || (n == lastChunkNum && c.IsRemote()) {
			c.Close()
			db.Manager.Close()
			return &core.CorruptChunkError{Path: c.Path(), Err: fmt.Errorf("completed chunk %d-%d extends past the writer checkpoint %d", c.StartNumber(), c.EndNumber(), writer)}
		}
		if err := db.Manager.AddChunk(c); err != nil {
			c.Close()
			db.Manager.Close()
			return err
		}
		n = c.EndNumber() + 1
	}

	// Chunk files past the writer position are left over from an unflushed write.
	all, err := naming.GetAllPresentFiles()
	if err != nil {
		return err
	}
	for _, p := range all {
		start, _, err := naming.ResolveChunkNumber(p)
		if err == nil && start > lastChunkNum {
			db.Manager.removeFile(p, "beyond writer checkpoint")
		}
	}
	if err := sys.SyncDir(db.opts.Dir); err != nil {
		db.logger.Warn("Failed to sync database directory.", "error", err)
	}
	db.logger.Info("Transaction log opened.", "dir", db.opts.Dir, "writer", writer, "chunks", db.Manager.ChunksCount())
	return nil
}

// versionsToRemove returns every version but the newest.
func versionsToRemove(versions []string) []string {
	if len(versions) < 2 {
		return nil
	}
	return versions[1:]
}

func (db *DB) openRemote(n int32) (*chunk.Chunk, error) {
	missing := db.Manager.Naming().Filename(n, 0)
	if db.opts.Remote == nil {
		return nil, fmt.Errorf("%w: chunk file %s is missing", core.ErrChunkNotFound, missing)
	}
	c, err := chunk.FromRemote(db.opts.Remote, n, db.Manager.ChunkOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: chunk file %s is missing and the archive cannot serve it: %w", core.ErrChunkNotFound, missing, err)
	}
	db.logger.Debug("Opened archived chunk.", "chunk", n)
	return c, nil
}

// applyTruncation cuts the log back to the truncate checkpoint when one is set.
// Only regular chunks can be reopened at a truncation point.
func (db *DB) applyTruncation() error {
	truncate := db.Checkpoints.Truncate.Read()
	writer := db.Checkpoints.Writer.Read()
	if truncate < 0 || truncate >= writer {
		return nil
	}
	db.logger.Warn("Truncating transaction log.", "from", writer, "to", truncate)
	chunkSize := int64(db.opts.ChunkSize)
	n := int32(truncate / chunkSize)
	versions, err := db.Manager.Naming().GetAllVersionsFor(n)
	if err != nil {
		return err
	}
	if len(versions) > 0 {
		c, err := chunk.FromCompletedFile(versions[0], db.Manager.ChunkOptions())
		if err == nil {
			scavenged := c.IsScavenged()
			c.Close()
			if scavenged {
				return fmt.Errorf("cannot truncate into scavenged chunk %s", versions[0])
			}
			// Drop the footer so the chunk reopens as ongoing.
			if err := os.Truncate(versions[0], core.ChunkHeaderSize+truncate%chunkSize); err != nil {
				return fmt.Errorf("failed to truncate chunk %s: %w", versions[0], err)
			}
		}
	}
	for _, cp := range []checkpoint.Checkpoint{db.Checkpoints.Chaser, db.Checkpoints.Index, db.Checkpoints.Replication} {
		if cp.Read() > truncate {
			if err := cp.Write(truncate); err != nil {
				return err
			}
			if err := cp.Flush(); err != nil {
				return err
			}
		}
	}
	if err := db.Checkpoints.Writer.Write(truncate); err != nil {
		return err
	}
	if err := db.Checkpoints.Writer.Flush(); err != nil {
		return err
	}
	if err := db.Checkpoints.Truncate.Write(-1); err != nil {
		return err
	}
	return db.Checkpoints.Truncate.Flush()
}

// Close closes every chunk and flushes the checkpoints.
func (db *DB) Close() error {
	var result error
	if err := db.Manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, cp := range db.Checkpoints.all() {
		if err := cp.Close(true); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s checkpoint: %w", cp.Name(), err))
		}
	}
	return result
}
