package sys

import (
	"os"
)

var _ FileHandle = (*RealFile)(nil)

// RealFile wraps *os.File. It exposes Fd so Preallocate can reach the descriptor.
type RealFile struct {
	f *os.File
}

func (df *RealFile) Write(p []byte) (n int, err error) {
	return df.f.Write(p)
}

func (df *RealFile) Read(p []byte) (n int, err error) {
	return df.f.Read(p)
}

func (df *RealFile) Seek(offset int64, whence int) (int64, error) {
	return df.f.Seek(offset, whence)
}

func (df *RealFile) Stat() (os.FileInfo, error) {
	return df.f.Stat()
}

func (df *RealFile) Sync() error {
	return df.f.Sync()
}

func (df *RealFile) Truncate(size int64) error {
	return df.f.Truncate(size)
}

func (df *RealFile) Name() string {
	return df.f.Name()
}

func (df *RealFile) WriteAt(p []byte, off int64) (n int, err error) {
	return df.f.WriteAt(p, off)
}

func (df *RealFile) ReadAt(p []byte, off int64) (n int, err error) {
	return df.f.ReadAt(p, off)
}

func (df *RealFile) Close() error {
	return df.f.Close()
}

func (df *RealFile) Fd() uintptr {
	return df.f.Fd()
}

// OSFile returns the underlying *os.File, used by memory mapping.
func (df *RealFile) OSFile() *os.File {
	return df.f
}
