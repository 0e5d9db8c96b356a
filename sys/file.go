package sys

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// FileHandle is the subset of *os.File used by the storage engine. Chunk and
// table code only touches files through this interface so tests can inject
// failures.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error
type SyncDirHandler func(dir string) error

// The handlers below are package variables so tests can swap them for
// fault-injecting versions and restore them afterwards.

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &RealFile{f: f}, nil
}

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = func(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SyncDir fsyncs a directory so renames and creations inside it survive a crash.
var SyncDir SyncDirHandler = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	err = d.Sync()
	// Some filesystems refuse fsync on directories.
	if errors.Is(err, syscall.EINVAL) {
		return nil
	}
	return err
}

// WriteFileAtomic writes data to a temporary sibling of path, fsyncs it and renames
// it over path. A crash leaves either the old or the new content, never a mix.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		Remove(tmp)
		return fmt.Errorf("failed to write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		Remove(tmp)
		return fmt.Errorf("failed to sync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		Remove(tmp)
		return fmt.Errorf("failed to close temp file %s: %w", tmp, err)
	}
	if err := Rename(tmp, path); err != nil {
		Remove(tmp)
		return fmt.Errorf("failed to rename %s to %s: %w", tmp, path, err)
	}
	return SyncDir(filepath.Dir(path))
}

// FileSize returns the size of the file at path.
func FileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
