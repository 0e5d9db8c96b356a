package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/eventcore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	pool, err := NewReaderPool(path, 1, 2)
	require.NoError(t, err)
	defer pool.Close()

	h1, err := pool.Acquire()
	require.NoError(t, err)
	h2, err := pool.Acquire()
	require.NoError(t, err)

	_, err = pool.Acquire()
	require.ErrorIs(t, err, core.ErrResourceExhausted, "third reader must fail fast")

	pool.Release(h1)
	h3, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(h3)
	pool.Release(h2)

	buf := make([]byte, 3)
	err = pool.With(func(h FileHandle) error {
		_, err := h.ReadAt(buf, 4)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))
}

func TestReaderPool_SetPathAfterRename(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "a")
	newPath := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(oldPath, []byte("data"), 0o644))

	pool, err := NewReaderPool(oldPath, 0, 4)
	require.NoError(t, err)
	require.NoError(t, os.Rename(oldPath, newPath))
	pool.SetPath(newPath)

	h, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, newPath, h.Name())
	pool.Release(h)

	require.NoError(t, pool.Close())
	_, err = pool.Acquire()
	assert.ErrorIs(t, err, core.ErrClosed)
}
