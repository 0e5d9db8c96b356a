package tlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 4096

func openTestDB(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	opts.Dir = dir
	if opts.ChunkSize == 0 {
		opts.ChunkSize = testChunkSize
	}
	db, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, db.Open(context.Background()))
	return db
}

func prepareAt(stream string, expectedVersion int64, size int) func(int64) logrecord.LogRecord {
	return func(pos int64) logrecord.LogRecord {
		return &logrecord.Prepare{
			LogPosition:         pos,
			Flags:               logrecord.FlagSingleWrite | logrecord.FlagIsCommitted,
			TransactionPosition: pos,
			ExpectedVersion:     expectedVersion,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			TimeStamp:           time.Now().UnixNano(),
			EventType:           "type",
			Data:                make([]byte, size),
			Metadata:            []byte{},
		}
	}
}

func writeN(t *testing.T, w *Writer, n, size int) []int64 {
	t.Helper()
	var positions []int64
	for i := 0; i < n; i++ {
		pos, _, err := w.Append(prepareAt("stream", int64(i)-1, size))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, w.Flush())
	return positions
}

func TestDB_OpenEmptyCreatesFirstChunk(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	defer db.Close()

	assert.Equal(t, int32(1), db.Manager.ChunksCount())
	_, err := os.Stat(filepath.Join(dir, chunk.FormatName(0, 0)))
	assert.NoError(t, err)
	for _, name := range []string{core.WriterCheckpoint, core.ChaserCheckpoint, core.IndexCheckpoint} {
		_, err := os.Stat(filepath.Join(dir, core.CheckpointFileName(name)))
		assert.NoError(t, err, name)
	}
}

func TestWriter_RolloverAndReadAcrossChunks(t *testing.T) {
	b := bus.New(100)
	sub := b.Subscribe(bus.Filter{Kinds: []bus.Kind{bus.KindChunkCompleted}})
	defer sub.Close()

	db := openTestDB(t, t.TempDir(), Options{Publisher: b})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)

	positions := writeN(t, w, 40, 300)
	assert.Greater(t, db.Manager.ChunksCount(), int32(2), "records should span several chunks")
	for i := 1; i < len(positions); i++ {
		assert.Greater(t, positions[i], positions[i-1])
		// No record straddles a chunk boundary.
		assert.Equal(t, positions[i]/testChunkSize, (positions[i]+300)/testChunkSize,
			"record %d crosses a chunk boundary", i)
	}
	msg := <-sub.Messages
	assert.Equal(t, int32(0), msg.(bus.ChunkCompleted).ChunkStartNumber)

	t.Run("Forward", func(t *testing.T) {
		r := db.NewReader(0)
		var got []int64
		for {
			res, err := r.TryReadNext()
			require.NoError(t, err)
			if !res.Success {
				break
			}
			got = append(got, res.Record.Position())
		}
		assert.Equal(t, positions, got)
	})

	t.Run("Backward", func(t *testing.T) {
		r := db.NewReader(db.Checkpoints.Writer.Read())
		var got []int64
		for {
			res, err := r.TryReadPrev()
			require.NoError(t, err)
			if !res.Success {
				break
			}
			got = append([]int64{res.Record.Position()}, got...)
		}
		assert.Equal(t, positions, got)
	})

	t.Run("At", func(t *testing.T) {
		for _, pos := range positions {
			ok, err := db.ExistsAt(pos)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := db.ExistsAt(positions[1] + 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestWriter_UnflushedRecordsAreInvisible(t *testing.T) {
	db := openTestDB(t, t.TempDir(), Options{})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)

	pos, next, err := w.Append(prepareAt("s", -1, 10))
	require.NoError(t, err)
	r := db.NewReader(0)
	res, err := r.TryReadNext()
	require.NoError(t, err)
	assert.False(t, res.Success, "reader must not pass the flushed writer checkpoint")

	require.NoError(t, w.Flush())
	res, err = r.TryReadNext()
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, pos, res.Record.Position())
	assert.Equal(t, next, res.NextPosition)
}

func TestWriter_RejectsWrongPositionAndHugeRecords(t *testing.T) {
	db := openTestDB(t, t.TempDir(), Options{})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)

	_, _, err = w.Write(prepareAt("s", -1, 1)(42))
	assert.Error(t, err)

	_, _, err = w.Append(prepareAt("s", -1, testChunkSize))
	assert.ErrorIs(t, err, core.ErrRecordTooLarge)
}

func TestDB_ReopenContinuesWriting(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	first := writeN(t, w, 20, 200)
	require.NoError(t, w.Close())
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, Options{Chunk: chunk.Options{VerifyHash: true}})
	defer db.Close()
	w, err = NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	second := writeN(t, w, 5, 200)
	assert.Greater(t, second[0], first[len(first)-1])

	r := db.NewReader(0)
	count := 0
	for {
		res, err := r.TryReadNext()
		require.NoError(t, err)
		if !res.Success {
			break
		}
		count++
	}
	assert.Equal(t, 25, count)
}

func TestDB_OpenDiscardsDataPastWriterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	writeN(t, w, 3, 100)
	flushed := db.Checkpoints.Writer.Read()

	// Written but never flushed.
	_, _, err = w.Append(prepareAt("s", 5, 100))
	require.NoError(t, err)
	require.NoError(t, db.Manager.LastChunk().Flush())
	require.NoError(t, db.Manager.Close())

	// Leftovers a crash could leave behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk.FormatName(7, 0)), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc"+core.TempFileSuffix), []byte("junk"), 0o644))

	db2, err := New(Options{Dir: dir, ChunkSize: testChunkSize})
	require.NoError(t, err)
	require.NoError(t, db2.Open(context.Background()))
	defer db2.Close()

	assert.Equal(t, flushed, db2.Checkpoints.Writer.Read())
	assert.Equal(t, flushed, db2.Manager.LastChunk().PhysicalDataSize())
	_, err = os.Stat(filepath.Join(dir, chunk.FormatName(7, 0)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "abc"+core.TempFileSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestDB_OpenFailsOnMissingChunk(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	writeN(t, w, 40, 300)
	require.NoError(t, db.Close())

	missing := filepath.Join(dir, chunk.FormatName(1, 0))
	require.NoError(t, os.Remove(missing))

	db2, err := New(Options{Dir: dir, ChunkSize: testChunkSize})
	require.NoError(t, err)
	err = db2.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrChunkNotFound)
	assert.Contains(t, err.Error(), missing)
}

func TestDB_OpenCreatesChunkAfterCrashAtBoundary(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	writeN(t, w, 2, 100)
	require.NoError(t, w.CompleteChunk())
	require.NoError(t, db.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, chunk.FormatName(1, 0))))

	db = openTestDB(t, dir, Options{})
	defer db.Close()
	assert.Equal(t, int32(2), db.Manager.ChunksCount())
	assert.False(t, db.Manager.LastChunk().IsReadOnly())
}

func TestDB_Truncation(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, Options{})
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	positions := writeN(t, w, 40, 300)
	truncateAt := positions[5]
	require.NoError(t, db.Checkpoints.Truncate.Write(truncateAt))
	require.NoError(t, db.Checkpoints.Truncate.Flush())
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, Options{})
	defer db.Close()
	assert.Equal(t, truncateAt, db.Checkpoints.Writer.Read())
	assert.Equal(t, int64(-1), db.Checkpoints.Truncate.Read())
	assert.Equal(t, int32(1), db.Manager.ChunksCount())

	last, err := db.NewReader(db.Checkpoints.Writer.Read()).TryReadPrev()
	require.NoError(t, err)
	assert.Equal(t, positions[4], last.Record.Position())
}

func TestManager_SwitchChunk(t *testing.T) {
	db := openTestDB(t, t.TempDir(), Options{})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	positions := writeN(t, w, 40, 300)
	old, err := db.Manager.GetChunk(0)
	require.NoError(t, err)
	oldPath := old.Path()

	// Keep only every other record of chunk 0.
	tmp, err := chunk.CreateNew(db.Manager.Naming().TempFilename(), testChunkSize, 0, 0, true, chunk.Options{})
	require.NoError(t, err)
	var kept, dropped []int64
	for i, pos := range positions {
		if pos >= old.ChunkEndPosition() {
			break
		}
		res, err := db.TryReadAt(pos, false)
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = tmp.TryAppend(res.Record)
			require.NoError(t, err)
			kept = append(kept, pos)
		} else {
			dropped = append(dropped, pos)
		}
	}
	require.NoError(t, tmp.CompleteScavenge(old.LogicalDataSize()))

	switched, err := db.Manager.SwitchChunk(tmp, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(db.Dir(), chunk.FormatName(0, 1)), switched.Path())
	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err), "replaced chunk is deleted once unleased")

	for _, pos := range kept {
		ok, err := db.ExistsAt(pos)
		require.NoError(t, err)
		assert.True(t, ok, "kept %d", pos)
	}
	for _, pos := range dropped {
		ok, err := db.ExistsAt(pos)
		require.NoError(t, err)
		assert.False(t, ok, "dropped %d", pos)
	}

	r := db.NewReader(0)
	first, err := r.TryReadNext()
	require.NoError(t, err)
	assert.Equal(t, kept[0], first.Record.Position())
}

func TestDB_ReadPrepareOnCommitIsCorruptIndex(t *testing.T) {
	db := openTestDB(t, t.TempDir(), Options{})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	pos, _, err := w.Append(func(p int64) logrecord.LogRecord {
		return &logrecord.Commit{LogPosition: p, TransactionPosition: 0, FirstEventNumber: 0}
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	_, _, err = db.ReadPrepare(pos)
	require.Error(t, err)
	assert.True(t, core.IsCorruptIndex(err))
}

func TestChaser_RunFollowsWriter(t *testing.T) {
	db := openTestDB(t, t.TempDir(), Options{})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	chaser := NewChaser(db)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []int64
	done := make(chan error, 1)
	go func() {
		done <- chaser.Run(ctx, func(rec logrecord.LogRecord) error {
			mu.Lock()
			seen = append(seen, rec.Position())
			mu.Unlock()
			return nil
		})
	}()

	positions := writeN(t, w, 30, 200)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(positions)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	err = <-done
	assert.ErrorIs(t, err, core.ErrCancelled)

	mu.Lock()
	assert.Equal(t, positions, seen)
	mu.Unlock()
	assert.Equal(t, db.Checkpoints.Writer.Read(), db.Checkpoints.Chaser.Read())
}

func TestReadTracker(t *testing.T) {
	tracker := NewReadTracker()
	db := openTestDB(t, t.TempDir(), Options{Chunk: chunk.Options{Tracker: tracker}, CachedChunks: 1})
	defer db.Close()
	w, err := NewWriter(db, WriterOptions{})
	require.NoError(t, err)
	writeN(t, w, 40, 300)

	r := db.NewReader(0)
	for {
		res, err := r.TryReadNext()
		require.NoError(t, err)
		if !res.Success {
			break
		}
	}
	stats := tracker.Stats()
	require.Contains(t, stats, chunk.SourceFileSystem)
	require.Contains(t, stats, chunk.SourceChunkCache)
	fs := stats[chunk.SourceFileSystem]
	assert.Greater(t, fs.Count, int64(0))
	assert.GreaterOrEqual(t, fs.P99, fs.P50)
	assert.NotEmpty(t, fmt.Sprint(fs))
}
