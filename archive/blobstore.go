package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
)

// ErrBlobNotFound is returned when a blob does not exist in the store.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the object storage an archive writes to.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// ReadAt fills p from offset off of the blob. Reading past the end is an error.
	ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error)
	Size(ctx context.Context, name string) (int64, error)
	Delete(ctx context.Context, name string) error
}

// FileSystemBlobStore keeps blobs as files in a directory.
type FileSystemBlobStore struct {
	dir string
}

var _ BlobStore = (*FileSystemBlobStore)(nil)

func NewFileSystemBlobStore(dir string) (*FileSystemBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	return &FileSystemBlobStore{dir: dir}, nil
}

func (s *FileSystemBlobStore) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// Put writes the blob under a temporary name and renames it into place.
func (s *FileSystemBlobStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return core.Cancelled(err)
	}
	final := s.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	tmp := final + core.TempFileSuffix
	f, err := sys.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create blob %s: %w", tmp, err)
	}
	n, err := io.Copy(f, r)
	if err == nil && n != size {
		err = fmt.Errorf("blob %s: wrote %d bytes, expected %d", name, n, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		sys.Remove(tmp)
		return err
	}
	if err := sys.Rename(tmp, final); err != nil {
		sys.Remove(tmp)
		return err
	}
	return sys.SyncDir(filepath.Dir(final))
}

func (s *FileSystemBlobStore) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, core.Cancelled(err)
	}
	f, err := os.Open(s.path(name))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

func (s *FileSystemBlobStore) Size(ctx context.Context, name string) (int64, error) {
	st, err := os.Stat(s.path(name))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *FileSystemBlobStore) Delete(ctx context.Context, name string) error {
	return sys.Remove(s.path(name))
}
