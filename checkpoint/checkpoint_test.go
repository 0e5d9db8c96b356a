package checkpoint

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCheckpoint_WriteFlushRead(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, core.WriterCheckpoint)

	cp, err := OpenFile(path, core.WriterCheckpoint, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Read())

	require.NoError(t, cp.Write(123))
	assert.Equal(t, int64(0), cp.Read(), "write must not be visible before flush")
	assert.Equal(t, int64(123), cp.ReadNonFlushed())

	var notified int64
	cp.OnFlushed(func(v int64) { notified = v })
	require.NoError(t, cp.Flush())
	assert.Equal(t, int64(123), cp.Read())
	assert.Equal(t, int64(123), notified)

	_, err = os.Stat(core.FormatTempFilename(path, "tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should not exist after successful flush")

	reopened, err := OpenFile(path, core.WriterCheckpoint, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(123), reopened.Read())
}

func TestFileCheckpoint_InitValue(t *testing.T) {
	dir := t.TempDir()
	cp, err := OpenFile(Path(dir, core.TruncateCheckpoint), core.TruncateCheckpoint, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cp.Read())
	assert.Equal(t, int64(-1), cp.ReadNonFlushed())
}

func TestFileCheckpoint_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, core.ChaserCheckpoint)

	t.Run("BadMagic", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, make([]byte, fileSize), 0o644))
		_, err := OpenFile(path, core.ChaserCheckpoint, 0, nil)
		require.Error(t, err)
		assert.True(t, core.IsInvalidFile(err))
	})

	t.Run("BadChecksum", func(t *testing.T) {
		require.NoError(t, writeFile(path, 77))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[5] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))
		_, err = OpenFile(path, core.ChaserCheckpoint, 0, nil)
		require.Error(t, err)
		assert.True(t, core.IsInvalidFile(err))
	})

	t.Run("Truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
		_, err := OpenFile(path, core.ChaserCheckpoint, 0, nil)
		require.Error(t, err)
	})
}

func TestFileCheckpoint_FailedFlushIsLatched(t *testing.T) {
	dir := t.TempDir()
	cp, err := OpenFile(Path(dir, core.WriterCheckpoint), core.WriterCheckpoint, 0, nil)
	require.NoError(t, err)
	require.NoError(t, cp.Write(10))
	require.NoError(t, cp.Flush())

	orig := sys.Rename
	sys.Rename = func(oldpath, newpath string) error { return errors.New("disk gone") }
	require.NoError(t, cp.Write(20))
	err = cp.Flush()
	sys.Rename = orig

	require.ErrorIs(t, err, ErrCheckpointFailed)
	assert.Equal(t, int64(10), cp.Read(), "failed flush must not publish")
	assert.ErrorIs(t, cp.Write(30), ErrCheckpointFailed)
	assert.ErrorIs(t, cp.Flush(), ErrCheckpointFailed)
}

func TestCheckpoint_ReadNeverExceedsNonFlushed(t *testing.T) {
	dir := t.TempDir()
	fileCp, err := OpenFile(Path(dir, core.WriterCheckpoint), core.WriterCheckpoint, 0, nil)
	require.NoError(t, err)

	for _, cp := range []Checkpoint{fileCp, NewInMemory("mem", 0)} {
		t.Run(cp.Name(), func(t *testing.T) {
			var wg sync.WaitGroup
			done := make(chan struct{})
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := int64(1); i <= 200; i++ {
					assert.NoError(t, cp.Write(i))
					if i%10 == 0 {
						assert.NoError(t, cp.Flush())
					}
				}
				close(done)
			}()
			for {
				select {
				case <-done:
					wg.Wait()
					require.NoError(t, cp.Flush())
					assert.Equal(t, int64(200), cp.Read())
					return
				default:
					flushed := cp.Read()
					assert.LessOrEqual(t, flushed, cp.ReadNonFlushed())
				}
			}
		})
	}
}
