package tlog

import (
	"errors"
	"fmt"

	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
)

// maxDisposedRetries bounds how often a read is retried on a chunk that was
// switched out underneath it.
const maxDisposedRetries = 100

// ReadResult is a record read from the log. NextPosition is the global position
// after the record when reading forward and the record's own position when
// reading backward.
type ReadResult struct {
	Success      bool
	Record       logrecord.LogRecord
	NextPosition int64
	RecordLength int
}

// SequentialReader walks the log forward or backward from a position. It never
// returns records past the flushed writer checkpoint. A reader is not safe for
// concurrent use.
type SequentialReader struct {
	db  *DB
	pos int64
}

func (db *DB) NewReader(initialPosition int64) *SequentialReader {
	return &SequentialReader{db: db, pos: initialPosition}
}

func (r *SequentialReader) Position() int64 { return r.pos }

func (r *SequentialReader) Reposition(pos int64) { r.pos = pos }

func (r *SequentialReader) limit() int64 { return r.db.Checkpoints.Writer.Read() }

// TryReadNext returns the first record at or after the reader position and
// moves past it.
func (r *SequentialReader) TryReadNext() (ReadResult, error) {
	for retries := 0; ; {
		limit := r.limit()
		if r.pos >= limit {
			return ReadResult{NextPosition: r.pos}, nil
		}
		c, err := r.db.Manager.GetChunkFor(r.pos)
		if err != nil {
			return ReadResult{}, err
		}
		res, err := c.TryReadClosestForward(r.pos - c.ChunkStartPosition())
		if errors.Is(err, chunk.ErrChunkDisposed) && retries < maxDisposedRetries {
			retries++
			continue
		}
		if err != nil {
			return ReadResult{}, err
		}
		if !res.Success {
			// The rest of the chunk is empty: rollover or scavenged tail.
			r.pos = c.ChunkEndPosition()
			continue
		}
		if res.Record.Position() >= limit {
			return ReadResult{NextPosition: r.pos}, nil
		}
		next := c.ChunkStartPosition() + res.NextPosition
		r.pos = next
		return ReadResult{Success: true, Record: res.Record, NextPosition: next, RecordLength: res.RecordLength}, nil
	}
}

// TryReadPrev returns the last record before the reader position and moves to it.
func (r *SequentialReader) TryReadPrev() (ReadResult, error) {
	for retries := 0; ; {
		if limit := r.limit(); r.pos > limit {
			r.pos = limit
		}
		if r.pos <= 0 {
			return ReadResult{}, nil
		}
		c, err := r.db.Manager.GetChunkFor(r.pos - 1)
		if err != nil {
			return ReadResult{}, err
		}
		res, err := c.TryReadClosestBackward(r.pos - c.ChunkStartPosition())
		if errors.Is(err, chunk.ErrChunkDisposed) && retries < maxDisposedRetries {
			retries++
			continue
		}
		if err != nil {
			return ReadResult{}, err
		}
		if !res.Success {
			r.pos = c.ChunkStartPosition()
			continue
		}
		r.pos = c.ChunkStartPosition() + res.NextPosition
		return ReadResult{Success: true, Record: res.Record, NextPosition: r.pos, RecordLength: res.RecordLength}, nil
	}
}

// TryReadAt reads the record at exactly pos without moving the reader.
func (r *SequentialReader) TryReadAt(pos int64, couldBeScavenged bool) (ReadResult, error) {
	return r.db.TryReadAt(pos, couldBeScavenged)
}

// TryReadAt reads the record at exactly pos. With couldBeScavenged a missing
// record is reported as not found rather than as corruption.
func (db *DB) TryReadAt(pos int64, couldBeScavenged bool) (ReadResult, error) {
	if pos >= db.Checkpoints.Writer.Read() {
		return ReadResult{}, nil
	}
	for retries := 0; ; retries++ {
		c, err := db.Manager.GetChunkFor(pos)
		if err != nil {
			return ReadResult{}, err
		}
		res, err := c.TryReadAt(pos-c.ChunkStartPosition(), couldBeScavenged)
		if errors.Is(err, chunk.ErrChunkDisposed) && retries < maxDisposedRetries {
			continue
		}
		if err != nil {
			return ReadResult{}, err
		}
		if !res.Success {
			return ReadResult{}, nil
		}
		return ReadResult{Success: true, Record: res.Record, NextPosition: c.ChunkStartPosition() + res.NextPosition, RecordLength: res.RecordLength}, nil
	}
}

// ExistsAt reports whether a record starts at pos.
func (db *DB) ExistsAt(pos int64) (bool, error) {
	res, err := db.TryReadAt(pos, true)
	return res.Success, err
}

// ReadPrepare reads the prepare at pos, failing with a CorruptIndexError when
// the position holds anything else.
func (db *DB) ReadPrepare(pos int64) (*logrecord.Prepare, bool, error) {
	res, err := db.TryReadAt(pos, true)
	if err != nil || !res.Success {
		return nil, false, err
	}
	p, ok := res.Record.(*logrecord.Prepare)
	if !ok {
		return nil, false, &core.CorruptIndexError{Position: pos, Err: fmt.Errorf("record at %d is a %s, not a prepare", pos, res.Record.Type())}
	}
	return p, true, nil
}
