package memtable

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/INLOpen/eventcore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemtable_Lookups(t *testing.T) {
	m := New(100)
	require.NoError(t, m.AddEntries([]core.IndexEntry{
		{Stream: 10, Version: 0, Position: 100},
		{Stream: 10, Version: 1, Position: 200},
		{Stream: 10, Version: 1, Position: 250}, // duplicate version, newer position
		{Stream: 10, Version: 2, Position: 300},
		{Stream: 20, Version: 0, Position: 150},
		{Stream: 5, Version: 7, Position: 50},
	}))

	testCases := []struct {
		name    string
		stream  uint64
		version int64
		pos     int64
		found   bool
	}{
		{"first version", 10, 0, 100, true},
		{"newest position wins", 10, 1, 250, true},
		{"last version", 10, 2, 300, true},
		{"missing version", 10, 3, 0, false},
		{"missing stream", 11, 0, 0, false},
		{"other stream", 20, 0, 150, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pos, ok, err := m.TryGetOneValue(tc.stream, tc.version)
			require.NoError(t, err)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.pos, pos)
		})
	}

	latest, ok, err := m.TryGetLatestEntry(10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.IndexEntry{Stream: 10, Version: 2, Position: 300}, latest)

	oldest, ok, err := m.TryGetOldestEntry(10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.IndexEntry{Stream: 10, Version: 0, Position: 100}, oldest)

	_, ok, err = m.TryGetLatestEntry(15)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = m.TryGetOldestEntry(1)
	require.NoError(t, err)
	assert.False(t, ok)

	rng, err := m.GetRange(10, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []core.IndexEntry{
		{Stream: 10, Version: 2, Position: 300},
		{Stream: 10, Version: 1, Position: 250},
		{Stream: 10, Version: 1, Position: 200},
	}, rng)

	rng, err = m.GetRange(10, 0, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rng, 2)

	rng, err = m.GetRange(10, 3, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, rng)
}

func TestMemtable_IterateAllInOrder(t *testing.T) {
	m := New(1000)
	r := rand.New(rand.NewSource(7))
	var want []core.IndexEntry
	seen := map[core.IndexEntry]bool{}
	for i := 0; i < 500; i++ {
		e := core.IndexEntry{Stream: uint64(r.Intn(20)), Version: int64(r.Intn(50)), Position: int64(r.Intn(100000))}
		if !seen[e] {
			seen[e] = true
			want = append(want, e)
		}
		require.NoError(t, m.Add(e.Stream, e.Version, e.Position))
	}
	sort.Slice(want, func(i, j int) bool { return core.CompareIndexEntries(want[i], want[j]) < 0 })

	assert.Equal(t, len(want), m.Count())
	assert.Equal(t, want, m.Entries())
}

func TestMemtable_FullAndReadOnly(t *testing.T) {
	m := New(2)
	require.NoError(t, m.Add(1, 0, 0))
	assert.False(t, m.IsFull())
	require.NoError(t, m.Add(1, 1, 10))
	assert.True(t, m.IsFull())

	m.SetCheckpoints(10, 40)
	m.SetCheckpoints(5, 20)
	assert.Equal(t, int64(10), m.PrepareCheckpoint())
	assert.Equal(t, int64(40), m.CommitCheckpoint())

	m.MarkForConversion()
	assert.ErrorIs(t, m.Add(1, 2, 20), core.ErrReadOnly)
	assert.Equal(t, 2, m.Count())
}

func TestMemtable_ConcurrentAddAndRead(t *testing.T) {
	m := New(1 << 20)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				require.NoError(t, m.Add(uint64(w), int64(i), int64(i*10)))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _, err := m.TryGetLatestEntry(uint64(i % 4))
			require.NoError(t, err)
		}
	}()
	wg.Wait()
	assert.Equal(t, 4000, m.Count())
	e, ok, err := m.TryGetLatestEntry(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(999), e.Version)
}
