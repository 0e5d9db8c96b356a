package scavenge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/internal/testutil"
	"github.com/INLOpen/eventcore/readindex"
	"github.com/INLOpen/eventcore/tableindex"
	"github.com/INLOpen/eventcore/tlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t         *testing.T
	dir       string
	db        *tlog.DB
	log       *testutil.LogWriter
	index     *tableindex.TableIndex
	committer *readindex.Committer
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db := testutil.OpenDB(t, dir, tlog.Options{})
	t.Cleanup(func() { db.Close() })
	index := tableindex.New(tableindex.Options{Dir: filepath.Join(dir, core.IndexDirName), MaxMemtableEntries: 8})
	require.NoError(t, index.Initialize(context.Background(), db.Checkpoints.Writer.Read()))
	t.Cleanup(func() { index.Close() })
	return &env{
		t:         t,
		dir:       dir,
		db:        db,
		log:       testutil.NewLogWriter(t, db),
		index:     index,
		committer: readindex.NewCommitter(db, index, readindex.CommitterOptions{}),
		now:       time.Now(),
	}
}

// completeChunk closes the current chunk so it falls below the scavenge point,
// then indexes everything written.
func (e *env) completeChunk() {
	e.t.Helper()
	require.NoError(e.t, e.log.W.CompleteChunk())
	require.NoError(e.t, e.committer.Init(context.Background(), e.db.Checkpoints.Writer.Read()))
}

func (e *env) scavenger(state State, opts Options) *Scavenger {
	if opts.Now == nil {
		opts.Now = func() time.Time { return e.now }
	}
	return New(e.db, e.index, state, opts)
}

func (e *env) exists(pos int64) bool {
	e.t.Helper()
	_, ok, err := e.db.ReadPrepare(pos)
	require.NoError(e.t, err)
	return ok
}

func (e *env) indexed(stream string, version int64) bool {
	e.t.Helper()
	_, ok, err := e.index.TryGetOneValue(e.index.Hash(stream), version)
	require.NoError(e.t, err)
	return ok
}

func TestCalculateDiscardPoint(t *testing.T) {
	testCases := []struct {
		name       string
		data       StreamData
		metastream bool
		want       int64
	}{
		{name: "no metadata", data: StreamData{LastEventNumber: 5}, want: 0},
		{name: "max count", data: StreamData{LastEventNumber: 9, MaxCount: 3}, want: 7},
		{name: "truncate before", data: StreamData{LastEventNumber: 9, TruncateBefore: 4}, want: 4},
		{name: "higher of both", data: StreamData{LastEventNumber: 9, TruncateBefore: 8, MaxCount: 5}, want: 8},
		{name: "truncate beyond last keeps last", data: StreamData{LastEventNumber: 2, TruncateBefore: 100}, want: 2},
		{name: "stream without events", data: StreamData{LastEventNumber: core.EventNumberNoStream, TruncateBefore: 3}, want: 0},
		{name: "tombstoned", data: StreamData{LastEventNumber: 3, IsTombstoned: true}, want: core.EventNumberDeletedStream},
		{name: "metastream keeps last", data: StreamData{LastEventNumber: 4}, metastream: true, want: 4},
		{name: "metastream of deleted stream", data: StreamData{LastEventNumber: 4, IsTombstoned: true}, metastream: true, want: core.EventNumberDeletedStream},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, calculateDiscardPoint(tc.data, tc.metastream))
		})
	}
}

func TestState(t *testing.T) {
	backends := map[string]func(t *testing.T) State{
		"memory": func(t *testing.T) State { return NewMemoryState() },
		"bolt": func(t *testing.T) State {
			s, err := OpenBoltState(filepath.Join(t.TempDir(), "scavenge.db"))
			require.NoError(t, err)
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Update(func(tx Tx) error {
				kv := tx.Bucket("b")
				for _, k := range []string{"c", "a", "b"} {
					if err := kv.Put([]byte(k), []byte("v"+k)); err != nil {
						return err
					}
				}
				return writeCheckpoint(tx, checkpoint{RunID: "run", Phase: PhaseCalculation, Next: 3})
			}))

			boom := errors.New("boom")
			err := s.Update(func(tx Tx) error {
				require.NoError(t, tx.Bucket("b").Put([]byte("d"), []byte("vd")))
				require.NoError(t, tx.Bucket("b").Delete([]byte("a")))
				return boom
			})
			require.ErrorIs(t, err, boom)

			require.NoError(t, s.View(func(tx Tx) error {
				var keys []string
				err := tx.Bucket("b").ForEach(func(k, v []byte) error {
					keys = append(keys, string(k))
					assert.Equal(t, "v"+string(k), string(v))
					return nil
				})
				assert.Equal(t, []string{"a", "b", "c"}, keys)
				cp, found, cerr := readCheckpoint(tx)
				require.NoError(t, cerr)
				assert.True(t, found)
				assert.Equal(t, PhaseCalculation, cp.Phase)
				assert.Equal(t, int32(3), cp.Next)
				assert.Nil(t, tx.Bucket("missing").Get([]byte("a")))
				return err
			}))

			require.NoError(t, s.Update(func(tx Tx) error { return tx.Drop("b") }))
			require.NoError(t, s.Update(func(tx Tx) error { return tx.Drop("never-created") }))
			require.NoError(t, s.View(func(tx Tx) error {
				assert.Nil(t, tx.Bucket("b").Get([]byte("a")))
				return nil
			}))
		})
	}
}

func TestCollisionMap(t *testing.T) {
	hasher := core.HasherFunc(func(stream string) uint64 {
		if stream == "a" || stream == "b" {
			return 42
		}
		return uint64(len(stream))
	})
	state := NewMemoryState()
	require.NoError(t, state.Update(func(tx Tx) error {
		d := NewCollisionDetector(hasher, tx.Bucket(bucketHashes), tx.Bucket(bucketCollisions))
		m := NewCollisionMap[int64](hasher, d.IsCollision, tx.Bucket(bucketStreamsByHash), tx.Bucket(bucketStreamsByName))

		res, err := d.Add("a")
		require.NoError(t, err)
		assert.False(t, res.NewCollision)
		require.NoError(t, m.Set("a", 1))
		require.NoError(t, m.Set("long-stream", 2))

		res, err = d.Add("a")
		require.NoError(t, err)
		assert.False(t, res.NewCollision)

		v, ok, err := m.TryGetByHash(42)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), v)

		res, err = d.Add("b")
		require.NoError(t, err)
		assert.True(t, res.NewCollision)
		assert.Equal(t, "a", res.Other)
		require.NoError(t, m.MoveToCollision(42, res.Other))
		require.NoError(t, m.Set("b", 3))

		assert.True(t, d.IsCollision("a"))
		assert.True(t, d.IsCollision("b"))
		isHash, err := d.IsCollisionHash(42)
		require.NoError(t, err)
		assert.True(t, isHash)

		for stream, want := range map[string]int64{"a": 1, "b": 3, "long-stream": 2} {
			v, ok, err := m.TryGet(stream)
			require.NoError(t, err)
			require.True(t, ok, stream)
			assert.Equal(t, want, v, stream)
		}
		_, ok, err = m.TryGetByHash(42)
		require.NoError(t, err)
		assert.False(t, ok)

		var handles []string
		require.NoError(t, m.Enumerate(func(h StreamHandle, _ int64) error {
			handles = append(handles, h.String())
			return nil
		}))
		assert.Equal(t, []string{fmt.Sprintf("hash:%016x", 11), "stream:a", "stream:b"}, handles)

		require.NoError(t, m.Delete("a"))
		_, ok, err = m.TryGet("a")
		require.NoError(t, err)
		assert.False(t, ok)

		collisions, err := d.Collisions()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, collisions)
		return nil
	}))
}

func TestScavenge_MaxCount(t *testing.T) {
	e := newEnv(t)
	e.log.Metadata("s", 0, `{"$maxCount":2}`)
	var positions []int64
	for i := int64(0); i < 10; i++ {
		positions = append(positions, e.log.Event("s", i, fmt.Sprintf("data-%d", i)))
	}
	other := e.log.Event("other", 0, "untouched")
	e.completeChunk()
	before, ok, err := e.db.ReadPrepare(positions[9])
	require.NoError(t, err)
	require.True(t, ok)

	res, err := e.scavenger(NewMemoryState(), Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksScavenged)
	assert.Equal(t, int64(8), res.RecordsDiscarded)
	assert.Equal(t, int64(8), res.IndexEntriesRemoved)
	assert.Positive(t, res.SpaceSaved)

	for i, pos := range positions {
		assert.Equal(t, i >= 8, e.exists(pos), "event %d", i)
		assert.Equal(t, i >= 8, e.indexed("s", int64(i)), "index entry %d", i)
	}
	assert.True(t, e.exists(other))
	assert.True(t, e.indexed("$$s", 0))

	after, ok, err := e.db.ReadPrepare(positions[9])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.EventID, after.EventID)
	assert.True(t, e.db.Manager.Chunks()[0].IsScavenged())
}

func TestScavenge_TombstonedStream(t *testing.T) {
	e := newEnv(t)
	deleted := []int64{
		e.log.Event("gone", 0, "a"),
		e.log.Event("gone", 1, "b"),
		e.log.Metadata("gone", 0, `{"$maxAge":3600}`),
	}
	tombstone := e.log.Tombstone("gone")
	kept := []int64{e.log.Event("live", 0, "c"), e.log.Event("live", 1, "d")}
	e.completeChunk()

	res, err := e.scavenger(NewMemoryState(), Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RecordsDiscarded)

	for _, pos := range deleted {
		assert.False(t, e.exists(pos))
	}
	for _, pos := range append(kept, tombstone) {
		assert.True(t, e.exists(pos))
	}
	latest, ok, err := e.index.TryGetLatestEntry(e.index.Hash("gone"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.EventNumberDeletedStream, latest.Version)
	assert.Equal(t, tombstone, latest.Position)
	assert.False(t, e.indexed("gone", 0))
	assert.False(t, e.indexed("$$gone", 0))
	assert.True(t, e.indexed("live", 1))
}

func TestIndexKeep_NarrowHashesOfDeletedStreams(t *testing.T) {
	e := newEnv(t)
	gone := e.log.Event("gone", 0, "a")
	tombstone := e.log.Tombstone("gone")
	live := e.log.Event("live", 0, "b")
	e.completeChunk()

	s := e.scavenger(NewMemoryState(), Options{})
	f := newIndexFilter(math.MaxInt64)
	f.addTombstonedHash(e.index.Hash("gone"))
	keep := s.indexKeep(f)

	testCases := []struct {
		name  string
		entry core.IndexEntry
		want  bool
	}{
		{"full hash event", core.IndexEntry{Stream: e.index.Hash("gone"), Version: 0, Position: gone}, false},
		{"full hash tombstone", core.IndexEntry{Stream: e.index.Hash("gone"), Version: core.EventNumberDeletedStream, Position: tombstone}, true},
		{"narrow hash event", core.IndexEntry{Stream: core.LowHash(e.index.Hash("gone")), Version: 0, Position: gone}, false},
		{"narrow hash tombstone", core.IndexEntry{Stream: core.LowHash(e.index.Hash("gone")), Version: core.EventNumberDeletedStream, Position: tombstone}, true},
		{"narrow hash of a live stream", core.IndexEntry{Stream: core.LowHash(e.index.Hash("live")), Version: 0, Position: live}, true},
		// A live event whose narrow hash collides with the deleted stream.
		{"narrow hash collision", core.IndexEntry{Stream: core.LowHash(e.index.Hash("gone")), Version: 0, Position: live}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := keep(tc.entry)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestScavenge_LastEventIsKept(t *testing.T) {
	t.Run("truncate before beyond the end", func(t *testing.T) {
		e := newEnv(t)
		e.log.Metadata("s", 0, `{"$tb":100}`)
		positions := []int64{e.log.Event("s", 0, "a"), e.log.Event("s", 1, "b"), e.log.Event("s", 2, "c")}
		e.completeChunk()

		_, err := e.scavenger(NewMemoryState(), Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.False(t, e.exists(positions[0]))
		assert.False(t, e.exists(positions[1]))
		assert.True(t, e.exists(positions[2]))
	})

	t.Run("max age", func(t *testing.T) {
		e := newEnv(t)
		e.log.Metadata("s", 0, `{"$maxAge":60}`)
		old := e.now.Add(-2 * time.Hour)
		var positions []int64
		for i := int64(0); i < 3; i++ {
			positions = append(positions, e.log.EventAt("s", i, []byte("x"), nil, old))
		}
		fresh := e.log.EventAt("t", 0, []byte("y"), nil, old)
		e.log.Metadata("t", 0, `{"$maxAge":86400}`)
		e.completeChunk()

		_, err := e.scavenger(NewMemoryState(), Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.False(t, e.exists(positions[0]))
		assert.False(t, e.exists(positions[1]))
		assert.True(t, e.exists(positions[2]), "the last event survives $maxAge")
		assert.True(t, e.exists(fresh))
	})
}

func TestScavenge_ThresholdSkipsChunks(t *testing.T) {
	e := newEnv(t)
	e.log.Metadata("s", 0, `{"$maxCount":1}`)
	first := e.log.Event("s", 0, "a")
	e.log.Event("s", 1, "b")
	for i := int64(0); i < 8; i++ {
		e.log.Event("busy", i, "x")
	}
	e.completeChunk()

	res, err := e.scavenger(NewMemoryState(), Options{Threshold: 0.5}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ChunksScavenged)
	assert.Zero(t, res.IndexEntriesRemoved)
	assert.True(t, e.exists(first))
	assert.False(t, e.db.Manager.Chunks()[0].IsScavenged())
}

func TestScavenge_ChunkMerging(t *testing.T) {
	e := newEnv(t)
	var positions []int64
	for n := 0; n < 3; n++ {
		positions = append(positions, e.log.Event(fmt.Sprintf("s-%d", n), 0, "payload"))
		e.completeChunk()
	}
	require.Len(t, e.db.Manager.Chunks(), 4)

	res, err := e.scavenger(NewMemoryState(), Options{MergeChunks: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksMerged)

	chunks := e.db.Manager.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, int32(0), chunks[0].StartNumber())
	assert.Equal(t, int32(2), chunks[0].EndNumber())
	for n, pos := range positions {
		p, ok, err := e.db.ReadPrepare(pos)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("s-%d", n), p.EventStreamID)
	}
}

func TestScavenge_CancelledRunResumes(t *testing.T) {
	e := newEnv(t)
	e.log.Metadata("s", 0, `{"$maxCount":1}`)
	first := e.log.Event("s", 0, "a")
	e.log.Event("s", 1, "b")
	e.completeChunk()
	path := e.db.Manager.Chunks()[0].Path()

	state, err := OpenBoltState(filepath.Join(e.dir, "scavenge.db"))
	require.NoError(t, err)
	defer state.Close()
	sc := e.scavenger(state, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stopped, err := sc.Run(ctx)
	require.ErrorIs(t, err, core.ErrCancelled)
	assert.True(t, e.exists(first))
	assert.Equal(t, path, e.db.Manager.Chunks()[0].Path())
	runID, phase, ok := sc.Progress()
	require.True(t, ok)
	assert.Equal(t, stopped.RunID, runID)
	assert.Equal(t, PhaseAccumulation, phase)

	resumed, err := sc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stopped.RunID, resumed.RunID)
	assert.Equal(t, int64(1), resumed.RecordsDiscarded)
	assert.False(t, e.exists(first))

	_, phase, _ = sc.Progress()
	assert.Equal(t, PhaseDone, phase)

	again, err := sc.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, resumed.RunID, again.RunID)
	assert.Zero(t, again.RecordsDiscarded)
}

func TestService(t *testing.T) {
	e := newEnv(t)
	e.log.Metadata("s", 0, `{"$maxCount":1}`)
	for i := int64(0); i < 20; i++ {
		e.log.Event("s", i, "x")
	}
	e.completeChunk()
	svc := NewService(e.scavenger(NewMemoryState(), Options{MaxRecordsPerSecond: 1}))

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, svc.Status().Running)

	require.NoError(t, svc.Stop(context.Background()))
	_, err := svc.Wait(context.Background())
	require.ErrorIs(t, err, core.ErrCancelled)

	st := svc.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastResult)
	assert.ErrorIs(t, st.LastErr, core.ErrCancelled)
	assert.NotEmpty(t, st.RunID)

	temps, err := e.db.Manager.Naming().GetAllTempFiles()
	require.NoError(t, err)
	assert.Empty(t, temps)
	assert.False(t, e.db.Manager.Chunks()[0].IsScavenged())
	assert.NoError(t, svc.Stop(context.Background()))
}
