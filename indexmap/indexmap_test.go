package indexmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/memtable"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookup struct {
	stream  uint64
	version int64
}

// tableWriter builds tables whose positions grow with every table, the way
// the log feeds the index.
type tableWriter struct {
	t   *testing.T
	dir string
	pos int64
	seq int
}

func (w *tableWriter) next(streams, versions int) (*ptable.PTable, int64) {
	w.t.Helper()
	mt := memtable.New(streams*versions + 1)
	for s := 1; s <= streams; s++ {
		for v := 0; v < versions; v++ {
			w.pos += 10
			// Later tables rewrite version 0 of every stream.
			version := int64(w.seq*versions + v)
			if v == 0 {
				version = 0
			}
			require.NoError(w.t, mt.Add(uint64(s)<<36, version, w.pos))
		}
	}
	mt.SetCheckpoints(w.pos, w.pos)
	w.seq++
	tbl, err := ptable.FromMemtable(mt, filepath.Join(w.dir, fmt.Sprintf("input-%03d", w.seq)), ptable.Options{})
	require.NoError(w.t, err)
	return tbl, w.pos
}

func answers(t *testing.T, m *IndexMap, keys []lookup) map[lookup]int64 {
	t.Helper()
	out := map[lookup]int64{}
	for _, k := range keys {
		for _, tbl := range m.InOrder() {
			pos, ok, err := tbl.TryGetOneValue(k.stream, k.version)
			require.NoError(t, err)
			if ok {
				out[k] = pos
				break
			}
		}
	}
	return out
}

func allKeys(streams, maxVersion int) []lookup {
	var keys []lookup
	for s := 1; s <= streams+1; s++ {
		for v := 0; v <= maxVersion; v++ {
			keys = append(keys, lookup{uint64(s) << 36, int64(v)})
		}
	}
	return keys
}

func TestIndexMap_AddPTable(t *testing.T) {
	dir := t.TempDir()
	w := &tableWriter{t: t, dir: dir}
	m := CreateEmpty(Options{MaxTablesPerLevel: 2})
	assert.Equal(t, int64(-1), m.PrepareCheckpoint())

	var res AddResult
	for i := 0; i < 3; i++ {
		tbl, pos := w.next(2, 2)
		var err error
		res, err = m.AddPTable(tbl, pos, pos)
		require.NoError(t, err)
		assert.Equal(t, i >= 2, res.CanMergeAny, "after %d tables", i+1)
		assert.Equal(t, i, m.TableCount(), "the receiver is unchanged")
		m = res.NewMap
	}
	assert.Equal(t, 3, m.TableCount())
	assert.Equal(t, w.pos, m.CommitCheckpoint())

	order := m.InOrder()
	assert.Equal(t, "input-003", filepath.Base(order[0].Path()), "newest table is consulted first")

	tbl, _ := w.next(1, 1)
	defer tbl.Dispose()
	_, err := m.AddPTable(tbl, 0, 0)
	require.Error(t, err, "checkpoints may not go backwards")
	m.Dispose()
}

func TestIndexMap_AddAndMergePTable_Converges(t *testing.T) {
	dir := t.TempDir()
	w := &tableWriter{t: t, dir: dir}
	ctx := context.Background()
	filenames := UUIDFilenames(dir)

	merging := CreateEmpty(Options{MaxTablesPerLevel: 2})
	flat := CreateEmpty(Options{MaxTablesPerLevel: 1000})
	inputs := map[*ptable.PTable]bool{}
	var deleted []*ptable.PTable
	for i := 0; i < 9; i++ {
		tbl, pos := w.next(3, 4)
		inputs[tbl] = true
		res, err := merging.AddAndMergePTable(ctx, tbl, pos, pos, filenames)
		require.NoError(t, err)
		assert.False(t, res.CanMergeAny)
		deleted = append(deleted, res.ToDelete...)
		merging = res.MergedMap

		// The reference map opens its own copy of the same table file.
		ref, err := ptable.FromFile(tbl.Path(), ptable.Options{})
		require.NoError(t, err)
		added, err := flat.AddPTable(ref, pos, pos)
		require.NoError(t, err)
		flat = added.NewMap
	}
	defer flat.Dispose()
	defer merging.Dispose()

	assert.Less(t, merging.TableCount(), 9)
	for _, l := range merging.Levels() {
		assert.LessOrEqual(t, len(l), 2)
	}

	// Every deleted table is gone from the map, and every input that left the
	// map is among the deleted.
	live := map[*ptable.PTable]bool{}
	for _, tbl := range merging.InOrder() {
		live[tbl] = true
	}
	seen := map[*ptable.PTable]bool{}
	for _, d := range deleted {
		assert.False(t, live[d])
		assert.False(t, seen[d], "table deleted twice")
		seen[d] = true
	}
	for in := range inputs {
		assert.Equal(t, !live[in], seen[in])
	}

	keys := allKeys(3, 40)
	assert.Equal(t, answers(t, flat, keys), answers(t, merging, keys))

	for _, d := range deleted {
		d.MarkForDestruction()
	}
	for _, d := range deleted {
		assert.NoFileExists(t, d.Path())
	}
}

func TestIndexMap_MaxLevelsForAutomaticMerge(t *testing.T) {
	dir := t.TempDir()
	w := &tableWriter{t: t, dir: dir}
	m := CreateEmpty(Options{MaxTablesPerLevel: 1, MaxTableLevelsForAutomaticMerge: 1})
	for i := 0; i < 4; i++ {
		tbl, pos := w.next(1, 1)
		res, err := m.AddAndMergePTable(context.Background(), tbl, pos, pos, UUIDFilenames(dir))
		require.NoError(t, err)
		m = res.MergedMap
	}
	defer m.Dispose()
	levels := m.Levels()
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 0)
	assert.Len(t, levels[1], 2, "level 1 is never merged automatically")
}

func TestIndexMap_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	w := &tableWriter{t: t, dir: dir}
	m := CreateEmpty(Options{MaxTablesPerLevel: 2})
	for i := 0; i < 5; i++ {
		tbl, pos := w.next(2, 3)
		res, err := m.AddAndMergePTable(context.Background(), tbl, pos, pos, UUIDFilenames(dir))
		require.NoError(t, err)
		for _, d := range res.ToDelete {
			d.MarkForDestruction()
		}
		m = res.MergedMap
	}
	path := filepath.Join(dir, core.IndexMapFileName)
	require.NoError(t, m.SaveToFile(path))
	keys := allKeys(2, 20)
	want := answers(t, m, keys)
	names := m.GetAllFilenames()
	m.Dispose()

	loaded, err := FromFile(context.Background(), path, Options{})
	require.NoError(t, err)
	defer loaded.Dispose()
	assert.Equal(t, names, loaded.GetAllFilenames())
	assert.Equal(t, w.pos, loaded.PrepareCheckpoint())
	assert.Equal(t, w.pos, loaded.CommitCheckpoint())
	assert.Equal(t, want, answers(t, loaded, keys))
}

func TestIndexMap_FromFile(t *testing.T) {
	t.Run("missing manifest is empty", func(t *testing.T) {
		m, err := FromFile(context.Background(), filepath.Join(t.TempDir(), core.IndexMapFileName), Options{})
		require.NoError(t, err)
		assert.Zero(t, m.TableCount())
		assert.Equal(t, int64(-1), m.CommitCheckpoint())
	})

	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), core.IndexMapFileName)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	testCases := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"bad checksum", "0000000000000000\n2\n-1/-1\n"},
		{"not hex", "zz\n2\n-1/-1\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromFile(context.Background(), write(t, tc.content), Options{})
			require.Error(t, err)
			assert.True(t, core.IsCorruptIndex(err))
			assert.True(t, core.IsInvalidFile(err))
		})
	}

	t.Run("edited body", func(t *testing.T) {
		dir := t.TempDir()
		m := CreateEmpty(Options{})
		path := filepath.Join(dir, core.IndexMapFileName)
		require.NoError(t, m.SaveToFile(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data = append(data, []byte("0,0,nope\n")...)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		_, err = FromFile(context.Background(), path, Options{})
		assert.True(t, core.IsCorruptIndex(err))
	})

	t.Run("missing table", func(t *testing.T) {
		dir := t.TempDir()
		w := &tableWriter{t: t, dir: dir}
		tbl, pos := w.next(1, 1)
		res, err := CreateEmpty(Options{}).AddPTable(tbl, pos, pos)
		require.NoError(t, err)
		path := filepath.Join(dir, core.IndexMapFileName)
		require.NoError(t, res.NewMap.SaveToFile(path))
		tbl.MarkForDestruction()

		_, err = FromFile(context.Background(), path, Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "input-001")
	})

	t.Run("table ahead of the map", func(t *testing.T) {
		dir := t.TempDir()
		w := &tableWriter{t: t, dir: dir}
		tbl, pos := w.next(1, 1)
		res, err := CreateEmpty(Options{}).AddPTable(tbl, pos-1, pos-1)
		require.NoError(t, err)
		path := filepath.Join(dir, core.IndexMapFileName)
		require.NoError(t, res.NewMap.SaveToFile(path))
		res.NewMap.Dispose()

		_, err = FromFile(context.Background(), path, Options{})
		require.Error(t, err)
		assert.True(t, core.IsCorruptIndex(err))
		assert.Contains(t, err.Error(), "ahead of the index map")
	})
}

func TestIndexMap_SaveToFileRejectsForeignTables(t *testing.T) {
	w := &tableWriter{t: t, dir: t.TempDir()}
	tbl, pos := w.next(1, 1)
	defer tbl.Dispose()
	res, err := CreateEmpty(Options{}).AddPTable(tbl, pos, pos)
	require.NoError(t, err)
	require.Error(t, res.NewMap.SaveToFile(filepath.Join(t.TempDir(), core.IndexMapFileName)))
}

func TestIndexMap_Scavenge(t *testing.T) {
	dir := t.TempDir()
	w := &tableWriter{t: t, dir: dir}
	m := CreateEmpty(Options{MaxTablesPerLevel: 10})
	for i := 0; i < 3; i++ {
		tbl, pos := w.next(2, 3)
		res, err := m.AddPTable(tbl, pos, pos)
		require.NoError(t, err)
		m = res.NewMap
	}
	defer m.Dispose()
	stream1 := uint64(1) << 36
	dropStream1 := func(e core.IndexEntry) (bool, error) { return e.Stream != stream1, nil }

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.Scavenge(ctx, dropStream1, UUIDFilenames(dir))
		require.ErrorIs(t, err, core.ErrCancelled)
		assert.Len(t, m.InOrder(), 3)
	})

	res, err := m.Scavenge(context.Background(), dropStream1, UUIDFilenames(dir))
	require.NoError(t, err)
	defer res.ScavengedMap.Dispose()
	assert.Len(t, res.ToDelete, 3)
	assert.Equal(t, int64(3*3), res.Removed)
	for _, tbl := range res.ScavengedMap.InOrder() {
		_, ok, err := tbl.TryGetLatestEntry(stream1)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = tbl.TryGetLatestEntry(2 << 36)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	again, err := res.ScavengedMap.Scavenge(context.Background(), dropStream1, UUIDFilenames(dir))
	require.NoError(t, err)
	assert.Empty(t, again.ToDelete)
	assert.Zero(t, again.Removed)
}
