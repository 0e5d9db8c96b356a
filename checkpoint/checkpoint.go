package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/sys"
)

// ErrCheckpointFailed is returned by every Write/Flush after a flush failed to persist.
// The log can no longer guarantee durability and must stop.
var ErrCheckpointFailed = errors.New("checkpoint flush failed, log integrity cannot be guaranteed")

// Checkpoint is a durable monotonic position with explicit flush semantics.
// Write stores a pending value, Flush makes it durable and publishes it.
type Checkpoint interface {
	Name() string
	Write(value int64) error
	Flush() error
	// Read returns the last flushed value.
	Read() int64
	// ReadNonFlushed returns the latest written value, durable or not.
	ReadNonFlushed() int64
	// OnFlushed registers a callback invoked with the new value after every successful flush.
	OnFlushed(fn func(value int64))
	Close(flush bool) error
}

const fileSize = 4 + 8 + 4 // magic + value + crc32

// writeFile atomically writes value to path using write-temp, fsync, rename.
func writeFile(path string, value int64) error {
	// 1. Encode magic number, value and checksum.
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, core.CheckpointMagicNumber)
	binary.Write(&buf, binary.LittleEndian, value)
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))

	// 2. Create a temporary file.
	tempPath := core.FormatTempFilename(path, "tmp")
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		sys.Remove(tempPath)
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}

	// 3. Fsync the temporary file to ensure it's on disk.
	if err := file.Sync(); err != nil {
		file.Close()
		sys.Remove(tempPath)
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}

	// 4. Close the file before renaming.
	if err := file.Close(); err != nil {
		sys.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	// 5. Atomically rename the temporary file to the final name.
	if err := sys.Rename(tempPath, path); err != nil {
		sys.Remove(tempPath)
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return nil
}

// readFile reads the value stored at path. found is false when the file does not exist.
func readFile(path string) (value int64, found bool, err error) {
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	data := make([]byte, fileSize)
	if _, err := io.ReadFull(file, data); err != nil {
		return 0, true, core.NewInvalidFile(path, 0, "truncated checkpoint: %v", err)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != core.CheckpointMagicNumber {
		return 0, true, core.NewInvalidFile(path, 0, "invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}
	if crc := binary.LittleEndian.Uint32(data[12:16]); crc != crc32.ChecksumIEEE(data[:12]) {
		return 0, true, core.NewInvalidFile(path, 12, "checkpoint checksum mismatch")
	}
	return int64(binary.LittleEndian.Uint64(data[4:12])), true, nil
}

// Path returns the file path of a named checkpoint inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, core.CheckpointFileName(name))
}
