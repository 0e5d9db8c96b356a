package tlog

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/checkpoint"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
}

// Writer is the single appender of a database. Records must carry the current
// writer position; when a record does not fit the current chunk the chunk is
// completed, a new one is created and the caller restamps the record at the
// returned position.
type Writer struct {
	db       *DB
	writerCP checkpoint.Checkpoint
	logger   *slog.Logger

	mu      sync.Mutex
	current *chunk.Chunk

	metricsBytesWritten   *expvar.Int
	metricsRecordsWritten *expvar.Int
}

// NewWriter attaches a writer to an opened database.
func NewWriter(db *DB, opts WriterOptions) (*Writer, error) {
	current := db.Manager.LastChunk()
	if current == nil {
		return nil, errors.New("transaction log has no chunks; call Open first")
	}
	if current.IsReadOnly() {
		return nil, fmt.Errorf("last chunk %s is completed", current.Path())
	}
	return &Writer{
		db:                    db,
		writerCP:              db.Checkpoints.Writer,
		logger:                db.logger.With("component", "Writer"),
		current:               current,
		metricsBytesWritten:   opts.BytesWritten,
		metricsRecordsWritten: opts.RecordsWritten,
	}, nil
}

// Position is the position the next record must be written at.
func (w *Writer) Position() int64 { return w.writerCP.ReadNonFlushed() }

// Write appends rec, whose position must equal Position(). ok is false when the
// chunk was full: the chunk has been completed and the caller retries with a
// record positioned at newPos.
func (w *Writer) Write(rec logrecord.LogRecord) (ok bool, newPos int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(rec)
}

func (w *Writer) writeLocked(rec logrecord.LogRecord) (bool, int64, error) {
	pos := w.writerCP.ReadNonFlushed()
	if rec.Position() != pos {
		return false, pos, fmt.Errorf("record position %d does not match writer position %d", rec.Position(), pos)
	}
	c := w.current
	res, err := c.TryAppend(rec)
	if err != nil {
		return false, pos, err
	}
	if !res.Success {
		if c.PhysicalDataSize() == 0 {
			return false, pos, fmt.Errorf("%w: position %d", core.ErrRecordTooLarge, pos)
		}
		if err := w.completeChunkLocked(); err != nil {
			return false, pos, err
		}
		return false, w.writerCP.ReadNonFlushed(), nil
	}
	newPos := c.ChunkStartPosition() + res.NewPosition
	if err := w.writerCP.Write(newPos); err != nil {
		return false, pos, err
	}
	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(res.NewPosition - res.OldPosition)
	}
	if w.metricsRecordsWritten != nil {
		w.metricsRecordsWritten.Add(1)
	}
	return true, newPos, nil
}

// Append builds the record for the current position and writes it, rebuilding
// it once when the write rolls over to a new chunk. It returns the record's
// position and the position after it.
func (w *Writer) Append(build func(pos int64) logrecord.LogRecord) (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		pos := w.writerCP.ReadNonFlushed()
		ok, newPos, err := w.writeLocked(build(pos))
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return pos, newPos, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: record does not fit an empty chunk", core.ErrRecordTooLarge)
}

// Flush makes every written record durable and then publishes the new writer
// position.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.current.Flush(); err != nil {
		return err
	}
	if err := w.writerCP.Flush(); err != nil {
		return err
	}
	w.db.publisher.Publish(bus.WriterFlushed{Position: w.writerCP.Read()})
	return nil
}

// CompleteChunk completes the current chunk and moves the writer to the start
// of the next one.
func (w *Writer) CompleteChunk() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completeChunkLocked()
}

func (w *Writer) completeChunkLocked() error {
	c := w.current
	if err := c.Complete(); err != nil {
		return err
	}
	if err := w.writerCP.Write(c.ChunkEndPosition()); err != nil {
		return err
	}
	if err := w.writerCP.Flush(); err != nil {
		return err
	}
	next, err := w.db.Manager.AddNewChunk()
	if err != nil {
		return err
	}
	w.current = next
	w.logger.Info("Chunk completed.", "chunk", c.StartNumber(), "size", c.PhysicalDataSize())
	w.db.publisher.Publish(bus.ChunkCompleted{ChunkStartNumber: c.StartNumber(), ChunkEndNumber: c.EndNumber(), Path: c.Path()})
	w.db.publisher.Publish(bus.WriterFlushed{Position: w.writerCP.Read()})
	return nil
}

// Close flushes outstanding writes. The chunk stays ongoing.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}
