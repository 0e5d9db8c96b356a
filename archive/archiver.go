package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/tlog"
)

// ArchiverOptions configures an Archiver.
type ArchiverOptions struct {
	// RetainLocalChunks is how many archived chunks keep their local file.
	// Negative keeps every file.
	RetainLocalChunks int
	// Interval is how often the archiver looks for completed chunks besides
	// reacting to ChunkCompleted messages.
	Interval time.Duration
	Logger   *slog.Logger
}

// Archiver uploads completed chunks in log order and retires old local files.
type Archiver struct {
	db      *tlog.DB
	storage *Storage
	opts    ArchiverOptions
	logger  *slog.Logger
}

func NewArchiver(db *tlog.DB, storage *Storage, opts ArchiverOptions) *Archiver {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Archiver_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Archiver")
	}
	return &Archiver{db: db, storage: storage, opts: opts, logger: opts.Logger}
}

// Checkpoint is the position up to which every chunk is archived.
func (a *Archiver) Checkpoint() int64 { return a.db.Checkpoints.Archive.Read() }

// ArchiveOnce uploads every completed chunk not yet archived and applies the
// retention policy. It returns how many chunks were uploaded.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cp, err := a.syncCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for {
		if err := ctx.Err(); err != nil {
			return uploaded, core.Cancelled(err)
		}
		c := a.nextToArchive(cp)
		if c == nil {
			break
		}
		if !c.Acquire() {
			// Switched out by a scavenge; the replacement is picked up next round.
			continue
		}
		err := a.storage.StoreChunk(ctx, c.Path(), c.StartNumber())
		end := c.ChunkEndPosition()
		c.Release()
		if err != nil {
			return uploaded, err
		}
		if err := a.advance(ctx, end); err != nil {
			return uploaded, err
		}
		cp = end
		uploaded++
	}
	if err := a.retire(); err != nil {
		return uploaded, err
	}
	return uploaded, nil
}

// syncCheckpoint reconciles the local archive checkpoint with the remote one.
// The remote value wins; it is only written after an upload succeeded.
func (a *Archiver) syncCheckpoint(ctx context.Context) (int64, error) {
	remote, err := a.storage.GetCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read archive checkpoint: %w", err)
	}
	if local := a.db.Checkpoints.Archive.Read(); local != remote {
		a.logger.Info("Archive checkpoint reconciled with remote.", "local", local, "remote", remote)
		if err := a.writeLocal(remote); err != nil {
			return 0, err
		}
	}
	return remote, nil
}

func (a *Archiver) nextToArchive(cp int64) *chunk.Chunk {
	for _, c := range a.db.Manager.Chunks() {
		if c.ChunkEndPosition() <= cp {
			continue
		}
		if !c.IsReadOnly() || c.IsRemote() {
			return nil
		}
		return c
	}
	return nil
}

func (a *Archiver) advance(ctx context.Context, pos int64) error {
	if err := a.storage.SetCheckpoint(ctx, pos); err != nil {
		return fmt.Errorf("failed to write archive checkpoint: %w", err)
	}
	return a.writeLocal(pos)
}

func (a *Archiver) writeLocal(pos int64) error {
	if err := a.db.Checkpoints.Archive.Write(pos); err != nil {
		return err
	}
	return a.db.Checkpoints.Archive.Flush()
}

// retire switches archived chunks beyond the retention count to their remote
// copy; the local files are deleted once their readers are done.
func (a *Archiver) retire() error {
	if a.opts.RetainLocalChunks < 0 {
		return nil
	}
	cp := a.Checkpoint()
	var archived []*chunk.Chunk
	for _, c := range a.db.Manager.Chunks() {
		if c.ChunkEndPosition() <= cp && !c.IsRemote() {
			archived = append(archived, c)
		}
	}
	if len(archived) <= a.opts.RetainLocalChunks {
		return nil
	}
	for _, c := range archived[:len(archived)-a.opts.RetainLocalChunks] {
		if c.StartNumber() != c.EndNumber() {
			// Merged chunks are archived under their start number only.
			continue
		}
		remote, err := chunk.FromRemote(a.storage, c.StartNumber(), a.db.Manager.ChunkOptions())
		if err != nil {
			return fmt.Errorf("failed to open archived chunk %d: %w", c.StartNumber(), err)
		}
		if _, err := a.db.Manager.SwitchChunk(remote, false); err != nil {
			remote.Close()
			return err
		}
		a.logger.Info("Local chunk retired.", "chunk", c.StartNumber(), "path", c.Path())
	}
	return nil
}

// Run archives on every ChunkCompleted message and on a timer until ctx is done.
func (a *Archiver) Run(ctx context.Context, b *bus.Bus) error {
	sub := b.Subscribe(bus.Filter{Kinds: []bus.Kind{bus.KindChunkCompleted}})
	defer sub.Close()
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	a.logger.Info("Archiver started.", "interval", a.opts.Interval, "retain_local_chunks", a.opts.RetainLocalChunks)
	for {
		if _, err := a.ArchiveOnce(ctx); err != nil {
			if errors.Is(err, core.ErrCancelled) {
				return err
			}
			a.logger.Error("Archiving failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Archiver stopped.")
			return core.Cancelled(ctx.Err())
		case <-sub.Messages:
		case <-ticker.C:
		}
	}
}
