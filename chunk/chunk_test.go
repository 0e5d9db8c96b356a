package chunk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 64 * 1024

func newPrepare(pos int64, stream string, expectedVersion int64) *logrecord.Prepare {
	return &logrecord.Prepare{
		LogPosition:         pos,
		Flags:               logrecord.FlagSingleWrite | logrecord.FlagIsCommitted,
		TransactionPosition: pos,
		ExpectedVersion:     expectedVersion,
		EventStreamID:       stream,
		EventID:             uuid.New(),
		CorrelationID:       uuid.New(),
		TimeStamp:           time.Now().UnixNano(),
		EventType:           "test-event",
		Data:                []byte(fmt.Sprintf(`{"stream":%q,"v":%d}`, stream, expectedVersion+1)),
		Metadata:            []byte{},
	}
}

// appendN appends n prepares and returns them in order.
func appendN(t *testing.T, c *Chunk, n int) []*logrecord.Prepare {
	t.Helper()
	var out []*logrecord.Prepare
	for i := 0; i < n; i++ {
		p := newPrepare(c.ChunkStartPosition()+c.PhysicalDataSize(), "stream", int64(i)-1)
		res, err := c.TryAppend(p)
		require.NoError(t, err)
		require.True(t, res.Success)
		out = append(out, p)
	}
	return out
}

func newTestChunk(t *testing.T, dir string, opts Options) *Chunk {
	t.Helper()
	naming := NewVersionedPatternNaming(dir)
	c, err := CreateNew(naming.Filename(0, 0), testChunkSize, 0, 0, false, opts)
	require.NoError(t, err)
	return c
}

func TestChunk_AppendAndReadForwardBackward(t *testing.T) {
	c := newTestChunk(t, t.TempDir(), Options{})
	defer c.Close()
	written := appendN(t, c, 10)

	t.Run("Forward", func(t *testing.T) {
		pos := int64(0)
		for i, want := range written {
			res, err := c.TryReadAt(pos, false)
			require.NoError(t, err)
			require.True(t, res.Success, "record %d", i)
			assert.Equal(t, want, res.Record)
			pos = res.NextPosition
		}
		res, err := c.TryReadAt(pos, false)
		require.NoError(t, err)
		assert.False(t, res.Success, "reading past the end must report not found")
	})

	t.Run("Backward", func(t *testing.T) {
		pos := c.PhysicalDataSize()
		for i := len(written) - 1; i >= 0; i-- {
			res, err := c.TryReadClosestBackward(pos)
			require.NoError(t, err)
			require.True(t, res.Success)
			assert.Equal(t, written[i], res.Record)
			pos = res.NextPosition
		}
		assert.Equal(t, int64(0), pos)
		res, err := c.TryReadClosestBackward(pos)
		require.NoError(t, err)
		assert.False(t, res.Success)
	})

	t.Run("FirstAndLast", func(t *testing.T) {
		first, err := c.TryReadFirst()
		require.NoError(t, err)
		assert.Equal(t, written[0], first.Record)
		last, err := c.TryReadLast()
		require.NoError(t, err)
		assert.Equal(t, written[len(written)-1], last.Record)
	})
}

func TestChunk_TryAppendInsufficientSpace(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateNew(filepath.Join(dir, FormatName(0, 0)), 512, 0, 0, false, Options{})
	require.NoError(t, err)
	defer c.Close()

	var appended int
	for {
		p := newPrepare(c.PhysicalDataSize(), "s", int64(appended)-1)
		res, err := c.TryAppend(p)
		require.NoError(t, err)
		if !res.Success {
			assert.Equal(t, res.OldPosition, res.NewPosition)
			break
		}
		appended++
	}
	assert.Greater(t, appended, 0)
	assert.LessOrEqual(t, c.PhysicalDataSize(), int64(512))
}

func TestChunk_CompleteAndReopen(t *testing.T) {
	dir := t.TempDir()
	c := newTestChunk(t, dir, Options{})
	written := appendN(t, c, 5)
	require.NoError(t, c.Complete())
	assert.True(t, c.IsReadOnly())

	_, err := c.TryAppend(newPrepare(c.PhysicalDataSize(), "s", 10))
	assert.ErrorIs(t, err, core.ErrReadOnly)
	path := c.Path()
	size := c.FileSize()
	require.NoError(t, c.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, st.Size())

	reopened, err := FromCompletedFile(path, Options{VerifyHash: true})
	require.NoError(t, err)
	defer reopened.Close()
	footer, ok := reopened.Footer()
	require.True(t, ok)
	assert.Equal(t, footer.PhysicalDataSize, footer.LogicalDataSize)

	res, err := reopened.TryReadAt(0, false)
	require.NoError(t, err)
	assert.Equal(t, written[0], res.Record)
	last, err := reopened.TryReadLast()
	require.NoError(t, err)
	assert.Equal(t, written[4], last.Record)
}

func TestChunk_CorruptFilesFailFast(t *testing.T) {
	dir := t.TempDir()
	c := newTestChunk(t, dir, Options{})
	appendN(t, c, 3)
	require.NoError(t, c.Complete())
	path := c.Path()
	require.NoError(t, c.Close())
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		mutate func([]byte) []byte
		verify bool
	}{
		{name: "bad header magic", mutate: func(b []byte) []byte { b[0] ^= 0xFF; return b }},
		{name: "unknown header flags", mutate: func(b []byte) []byte { b[6] = 0x80; return b }},
		{name: "bad footer magic", mutate: func(b []byte) []byte { b[len(b)-core.ChunkFooterSize] ^= 0xFF; return b }},
		{name: "truncated", mutate: func(b []byte) []byte { return b[:len(b)-10] }},
		{name: "trailing garbage", mutate: func(b []byte) []byte { return append(b, 1, 2, 3) }},
		{name: "flipped data byte", mutate: func(b []byte) []byte { b[core.ChunkHeaderSize+10] ^= 0x01; return b }, verify: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(append([]byte(nil), original...))
			p := filepath.Join(t.TempDir(), FormatName(0, 0))
			require.NoError(t, os.WriteFile(p, data, 0o644))
			_, err := FromCompletedFile(p, Options{VerifyHash: tc.verify})
			require.Error(t, err)
			assert.True(t, core.IsCorruptChunk(err), "got %v", err)
			assert.True(t, core.IsInvalidFile(err), "got %v", err)
			assert.Contains(t, err.Error(), p)
		})
	}
}

func TestChunk_BitFlipTransformRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := newTestChunk(t, dir, Options{Transform: TransformBitFlip})
	written := appendN(t, c, 4)
	require.NoError(t, c.Complete())
	path := c.Path()
	require.NoError(t, c.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	plain, err := logrecord.SerializeFramed(nil, written[0])
	require.NoError(t, err)
	stored := raw[core.ChunkHeaderSize : core.ChunkHeaderSize+len(plain)]
	assert.False(t, bytes.Equal(plain, stored), "data region must be transformed on disk")

	tr, err := TransformFor(TransformBitFlip)
	require.NoError(t, err)
	decoded := append([]byte(nil), stored...)
	tr.Decode(decoded, 0)
	assert.Equal(t, plain, decoded, "inverse transform must restore the written bytes")

	reopened, err := FromCompletedFile(path, Options{VerifyHash: true})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, TransformBitFlip, reopened.Header().Transform)
	pos := int64(0)
	for _, want := range written {
		res, err := reopened.TryReadAt(pos, false)
		require.NoError(t, err)
		assert.Equal(t, want, res.Record)
		pos = res.NextPosition
	}
}

func TestChunk_CompressionTransformRoundTrip(t *testing.T) {
	testCases := []struct {
		name      string
		transform TransformType
	}{
		{"Snappy", TransformSnappy},
		{"LZ4", TransformLZ4},
		{"Zstd", TransformZstd},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestChunk(t, t.TempDir(), Options{Transform: tc.transform})
			var written []*logrecord.Prepare
			var plainSize int64
			for i := 0; i < 6; i++ {
				p := newPrepare(c.ChunkStartPosition()+c.PhysicalDataSize(), "compressed", int64(i)-1)
				if i%2 == 0 {
					p.Data = bytes.Repeat([]byte(`{"field":"value"}`), 200)
				}
				plain, err := logrecord.SerializeFramed(nil, p)
				require.NoError(t, err)
				plainSize += int64(len(plain))
				res, err := c.TryAppend(p)
				require.NoError(t, err)
				require.True(t, res.Success)
				written = append(written, p)
			}
			assert.Less(t, c.PhysicalDataSize(), plainSize, "compressible records must shrink on disk")
			require.NoError(t, c.Complete())
			path := c.Path()
			require.NoError(t, c.Close())

			reopened, err := FromCompletedFile(path, Options{VerifyHash: true})
			require.NoError(t, err)
			defer reopened.Close()
			assert.Equal(t, tc.transform, reopened.Header().Transform)
			require.NoError(t, reopened.VerifyChecksum())

			pos := int64(0)
			for _, want := range written {
				res, err := reopened.TryReadAt(pos, false)
				require.NoError(t, err)
				require.True(t, res.Success)
				assert.Equal(t, want, res.Record)
				pos = res.NextPosition
			}

			pos = reopened.PhysicalDataSize()
			for i := len(written) - 1; i >= 0; i-- {
				res, err := reopened.TryReadClosestBackward(pos)
				require.NoError(t, err)
				require.True(t, res.Success)
				assert.Equal(t, written[i], res.Record)
				pos = res.NextPosition
			}
		})
	}
}

func TestTransformFor_Compression(t *testing.T) {
	tr, err := TransformFor(TransformZstd)
	require.NoError(t, err)
	rt, ok := tr.(RecordTransform)
	require.True(t, ok)

	rec := bytes.Repeat([]byte("abc"), 100)
	payload, err := rt.EncodeRecord(nil, rec)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(rec))
	decoded, err := rt.DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	_, err = rt.DecodeRecord(payload[:2])
	assert.Error(t, err)

	for _, name := range []string{"snappy", "lz4", "zstd"} {
		typ, err := ParseTransform(name)
		require.NoError(t, err)
		_, err = TransformFor(typ)
		assert.NoError(t, err, name)
	}
	_, err = TransformFor(transformCompressed | 0x0F)
	assert.Error(t, err)
}

func TestChunk_MisalignedRead(t *testing.T) {
	c := newTestChunk(t, t.TempDir(), Options{})
	defer c.Close()
	appendN(t, c, 3)

	_, err := c.TryReadAt(3, false)
	require.Error(t, err)
	assert.True(t, core.IsCorruptChunk(err))

	res, err := c.TryReadAt(3, true)
	require.NoError(t, err)
	assert.False(t, res.Success, "a possibly scavenged position is a miss, not corruption")
}

func TestChunk_ScavengedWithPositionMap(t *testing.T) {
	dir := t.TempDir()
	src := newTestChunk(t, dir, Options{})
	written := appendN(t, src, 6)
	require.NoError(t, src.Complete())
	defer src.Close()

	naming := NewVersionedPatternNaming(dir)
	dst, err := CreateNew(naming.TempFilename(), testChunkSize, 0, 0, true, Options{})
	require.NoError(t, err)
	kept := []*logrecord.Prepare{written[1], written[3], written[5]}
	for _, p := range kept {
		res, err := dst.TryAppend(p)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	_, err = dst.TryAppend(written[0])
	require.Error(t, err, "positions must increase in a scavenged chunk")
	require.NoError(t, dst.CompleteScavenge(src.LogicalDataSize()))
	require.NoError(t, dst.Rename(naming.Filename(0, 1)))
	path := dst.Path()
	require.NoError(t, dst.Close())

	c, err := FromCompletedFile(path, Options{VerifyHash: true})
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsScavenged())
	assert.Less(t, c.PhysicalDataSize(), src.PhysicalDataSize())
	assert.Equal(t, src.LogicalDataSize(), c.LogicalDataSize())

	for i, p := range written {
		res, err := c.TryReadAt(p.LogPosition, true)
		require.NoError(t, err)
		if i%2 == 1 {
			require.True(t, res.Success, "kept record %d", i)
			assert.Equal(t, p, res.Record)
		} else {
			assert.False(t, res.Success, "removed record %d", i)
		}
	}

	res, err := c.TryReadClosestForward(written[2].LogPosition)
	require.NoError(t, err)
	assert.Equal(t, written[3], res.Record)
	assert.Equal(t, written[5].LogPosition, res.NextPosition)

	res, err = c.TryReadClosestBackward(written[5].LogPosition)
	require.NoError(t, err)
	assert.Equal(t, written[3], res.Record)
	assert.Equal(t, written[3].LogPosition, res.NextPosition)

	last, err := c.TryReadLast()
	require.NoError(t, err)
	assert.Equal(t, written[5], last.Record)
	first, err := c.TryReadFirst()
	require.NoError(t, err)
	assert.Equal(t, written[1], first.Record)
}

type countingTracker struct {
	mu     sync.Mutex
	counts map[Source]int
}

func (t *countingTracker) RecordRead(source Source, _ int, _ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = map[Source]int{}
	}
	t.counts[source]++
}

func (t *countingTracker) get(s Source) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[s]
}

func TestChunk_CacheInMemory(t *testing.T) {
	tracker := &countingTracker{}
	c := newTestChunk(t, t.TempDir(), Options{Tracker: tracker})
	defer c.Close()
	written := appendN(t, c, 3)

	require.NoError(t, c.CacheInMemory())
	assert.True(t, c.IsCached())
	more := appendN(t, c, 2)

	pos := int64(0)
	for _, want := range append(written, more...) {
		res, err := c.TryReadAt(pos, false)
		require.NoError(t, err)
		assert.Equal(t, want, res.Record)
		pos = res.NextPosition
	}
	assert.Greater(t, tracker.get(SourceChunkCache), 0)
	assert.Equal(t, 0, tracker.get(SourceFileSystem), "all reads should hit the cache")

	c.UnCacheFromMemory()
	assert.False(t, c.IsCached())
	_, err := c.TryReadAt(0, false)
	require.NoError(t, err)
	assert.Greater(t, tracker.get(SourceFileSystem), 0)
}

func TestChunk_MmapReads(t *testing.T) {
	c := newTestChunk(t, t.TempDir(), Options{UseMmap: true})
	written := appendN(t, c, 3)
	require.NoError(t, c.Complete())
	defer c.Close()

	res, err := c.TryReadAt(0, false)
	require.NoError(t, err)
	assert.Equal(t, written[0], res.Record)
	require.NoError(t, c.VerifyChecksum())
}

func TestChunk_LeasesDelayDeletion(t *testing.T) {
	c := newTestChunk(t, t.TempDir(), Options{})
	appendN(t, c, 2)
	require.NoError(t, c.Complete())
	path := c.Path()

	require.True(t, c.Acquire())
	c.MarkForDeletion()
	_, err := os.Stat(path)
	require.NoError(t, err, "file must survive while a lease is held")
	assert.False(t, c.Acquire(), "marked chunks refuse new leases")

	_, err = c.TryReadAt(0, false)
	assert.ErrorIs(t, err, ErrChunkDisposed)

	c.Release()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitForDisposal(ctx))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestChunk_AbortDeletesTempChunk(t *testing.T) {
	dir := t.TempDir()
	naming := NewVersionedPatternNaming(dir)
	c, err := CreateNew(naming.TempFilename(), testChunkSize, 0, 0, true, Options{})
	require.NoError(t, err)
	path := c.Path()
	c.Abort(true)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestChunk_FromOngoingFile(t *testing.T) {
	dir := t.TempDir()
	c := newTestChunk(t, dir, Options{})
	written := appendN(t, c, 4)
	require.NoError(t, c.Flush())
	// Writer checkpoint only covers the first three records.
	res, err := c.TryReadAt(0, false)
	require.NoError(t, err)
	checkpoint := res.NextPosition
	for i := 1; i < 3; i++ {
		res, err = c.TryReadAt(checkpoint, false)
		require.NoError(t, err)
		checkpoint = res.NextPosition
	}
	path := c.Path()
	require.NoError(t, c.Close())

	reopened, err := FromOngoingFile(path, checkpoint, Options{})
	require.NoError(t, err)
	assert.Equal(t, checkpoint, reopened.PhysicalDataSize())
	last, err := reopened.TryReadLast()
	require.NoError(t, err)
	assert.Equal(t, written[2], last.Record)

	p := newPrepare(checkpoint, "other", -1)
	ar, err := reopened.TryAppend(p)
	require.NoError(t, err)
	require.True(t, ar.Success)
	require.NoError(t, reopened.Complete())
	require.NoError(t, reopened.VerifyChecksum())
	require.NoError(t, reopened.Close())

	_, err = FromOngoingFile(path, checkpoint*10, Options{})
	assert.Error(t, err)
}

type fileRemote struct {
	data map[int32][]byte
}

func (r *fileRemote) ReadAt(_ context.Context, n int32, p []byte, off int64) (int, error) {
	d, ok := r.data[n]
	if !ok || off+int64(len(p)) > int64(len(d)) {
		return 0, fmt.Errorf("range %d+%d outside remote chunk %d", off, len(p), n)
	}
	return copy(p, d[off:]), nil
}

func (r *fileRemote) ChunkFileSize(_ context.Context, n int32) (int64, error) {
	d, ok := r.data[n]
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(len(d)), nil
}

func TestChunk_FromRemote(t *testing.T) {
	tracker := &countingTracker{}
	c := newTestChunk(t, t.TempDir(), Options{})
	written := appendN(t, c, 3)
	require.NoError(t, c.Complete())
	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	remote, err := FromRemote(&fileRemote{data: map[int32][]byte{0: data}}, 0, Options{Tracker: tracker})
	require.NoError(t, err)
	defer remote.Close()
	assert.True(t, remote.IsRemote())
	require.NoError(t, remote.VerifyChecksum())

	last, err := remote.TryReadLast()
	require.NoError(t, err)
	assert.Equal(t, written[2], last.Record)
	assert.Greater(t, tracker.get(SourceArchive), 0)
}

func TestChunk_ConcurrentReadsDuringAppend(t *testing.T) {
	c := newTestChunk(t, t.TempDir(), Options{MaxReaders: 64})
	defer c.Close()
	appendN(t, c, 1)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := c.TryReadAt(0, false)
				assert.NoError(t, err)
				assert.True(t, res.Success)
			}
		}()
	}
	appendN(t, c, 50)
	close(stop)
	wg.Wait()
}
