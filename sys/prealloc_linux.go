//go:build linux

package sys

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// preallocByDevice remembers per device whether fallocate works, to avoid
// repeating failing syscalls for every new chunk.
var preallocByDevice sync.Map // map[uint64]bool

func notSupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY)
}

// Preallocate reserves size bytes for f without changing its visible size.
// Chunk files are preallocated to their full capacity on creation.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return ErrPreallocNotSupported
	}
	fd := int(fg.Fd())

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, ok := preallocByDevice.Load(dev); ok && !allow.(bool) {
			return ErrPreallocNotSupported
		}
	}

	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == nil {
		preallocByDevice.Store(dev, true)
		return nil
	}
	if notSupported(err) {
		preallocByDevice.Store(dev, false)
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("preallocation failed for %s: %w", f.Name(), err)
}
