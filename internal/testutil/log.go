// Package testutil builds transaction logs for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/tlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// SmallChunkSize keeps test logs spread over several chunks.
const SmallChunkSize = 4096

// OpenDB creates and opens a transaction log in dir.
func OpenDB(t testing.TB, dir string, opts tlog.Options) *tlog.DB {
	t.Helper()
	opts.Dir = dir
	if opts.ChunkSize == 0 {
		opts.ChunkSize = SmallChunkSize
	}
	db, err := tlog.New(opts)
	require.NoError(t, err)
	require.NoError(t, db.Open(context.Background()))
	return db
}

// LogWriter appends event records with a tlog.Writer.
type LogWriter struct {
	t testing.TB
	W *tlog.Writer
}

func NewLogWriter(t testing.TB, db *tlog.DB) *LogWriter {
	t.Helper()
	w, err := tlog.NewWriter(db, tlog.WriterOptions{})
	require.NoError(t, err)
	return &LogWriter{t: t, W: w}
}

func (lw *LogWriter) append(build func(pos int64) logrecord.LogRecord) int64 {
	lw.t.Helper()
	pos, _, err := lw.W.Append(build)
	require.NoError(lw.t, err)
	return pos
}

// Event writes a committed single-write event with the given event number and
// returns its position.
func (lw *LogWriter) Event(stream string, eventNumber int64, data string) int64 {
	lw.t.Helper()
	return lw.EventAt(stream, eventNumber, []byte(data), nil, time.Now())
}

// EventAt writes a committed single-write event with explicit metadata and timestamp.
func (lw *LogWriter) EventAt(stream string, eventNumber int64, data, metadata []byte, ts time.Time) int64 {
	lw.t.Helper()
	if metadata == nil {
		metadata = []byte{}
	}
	return lw.append(func(pos int64) logrecord.LogRecord {
		return &logrecord.Prepare{
			LogPosition:         pos,
			Flags:               logrecord.FlagSingleWrite | logrecord.FlagIsCommitted,
			TransactionPosition: pos,
			ExpectedVersion:     eventNumber - 1,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			CorrelationID:       uuid.New(),
			TimeStamp:           ts.UnixNano(),
			EventType:           "test-event",
			Data:                data,
			Metadata:            metadata,
		}
	})
}

// Metadata writes the metadata event number eventNumber of stream.
func (lw *LogWriter) Metadata(stream string, eventNumber int64, json string) int64 {
	lw.t.Helper()
	return lw.EventAt("$$"+stream, eventNumber, []byte(json), nil, time.Now())
}

// Tombstone deletes stream.
func (lw *LogWriter) Tombstone(stream string) int64 {
	lw.t.Helper()
	return lw.append(func(pos int64) logrecord.LogRecord {
		return &logrecord.Prepare{
			LogPosition:         pos,
			Flags:               logrecord.FlagStreamDelete | logrecord.FlagTransactionBegin | logrecord.FlagTransactionEnd | logrecord.FlagIsCommitted,
			TransactionPosition: pos,
			ExpectedVersion:     -2,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			TimeStamp:           time.Now().UnixNano(),
			EventType:           "$streamDeleted",
			Data:                []byte{},
			Metadata:            []byte{},
		}
	})
}

// TransactionPrepare writes an uncommitted prepare of the transaction started at
// txPos. A txPos of -1 starts a new transaction at the prepare itself.
func (lw *LogWriter) TransactionPrepare(stream string, expectedVersion, txPos int64, offset int32, data string) int64 {
	lw.t.Helper()
	return lw.append(func(pos int64) logrecord.LogRecord {
		flags := logrecord.FlagData
		tx := txPos
		if tx < 0 {
			tx = pos
			flags |= logrecord.FlagTransactionBegin
		}
		return &logrecord.Prepare{
			LogPosition:         pos,
			Flags:               flags,
			TransactionPosition: tx,
			TransactionOffset:   offset,
			ExpectedVersion:     expectedVersion,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			TimeStamp:           time.Now().UnixNano(),
			EventType:           "test-event",
			Data:                []byte(data),
			Metadata:            []byte{},
		}
	})
}

// Commit commits the transaction started at txPos.
func (lw *LogWriter) Commit(txPos, firstEventNumber int64) int64 {
	lw.t.Helper()
	return lw.append(func(pos int64) logrecord.LogRecord {
		return &logrecord.Commit{
			LogPosition:         pos,
			TransactionPosition: txPos,
			FirstEventNumber:    firstEventNumber,
			SortKey:             0,
			CorrelationID:       uuid.New(),
			TimeStamp:           time.Now().UnixNano(),
		}
	})
}

// Flush makes everything written visible to readers.
func (lw *LogWriter) Flush() {
	lw.t.Helper()
	require.NoError(lw.t, lw.W.Flush())
}

// Position is the position of the next record.
func (lw *LogWriter) Position() int64 { return lw.W.Position() }
