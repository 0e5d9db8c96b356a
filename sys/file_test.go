package sys

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testfile")

	t.Run("CreateWriteRead", func(t *testing.T) {
		f, err := Create(path)
		require.NoError(t, err)
		_, err = f.Write([]byte("hello world"))
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		require.NoError(t, f.Close())

		r, err := Open(path)
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))

		buf := make([]byte, 5)
		_, err = r.ReadAt(buf, 6)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf))
	})

	t.Run("RemoveMissingIsNoop", func(t *testing.T) {
		assert.NoError(t, Remove(filepath.Join(dir, "does-not-exist")))
	})

	t.Run("PreallocateKeepsSize", func(t *testing.T) {
		f, err := Create(filepath.Join(dir, "prealloc"))
		require.NoError(t, err)
		defer f.Close()
		err = Preallocate(f, 1<<20)
		if errors.Is(err, ErrPreallocNotSupported) {
			t.Skip("preallocation not supported on this filesystem")
		}
		require.NoError(t, err)
		st, err := f.Stat()
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.Size())
	})
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")

	require.NoError(t, WriteFileAtomic(path, []byte("v1")))
	require.NoError(t, WriteFileAtomic(path, []byte("v2")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	t.Run("RenameFailureKeepsOld", func(t *testing.T) {
		orig := Rename
		Rename = func(oldpath, newpath string) error { return errors.New("injected") }
		defer func() { Rename = orig }()

		err := WriteFileAtomic(path, []byte("v3"))
		require.Error(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})
}
