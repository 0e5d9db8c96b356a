package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptRecord is returned by the record codec for unknown record types,
	// unknown schema tags or truncated fields.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrResourceExhausted is returned when a bounded reader pool has no free reader.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrCancelled wraps the context error of an operation that stopped cooperatively.
	ErrCancelled = errors.New("operation cancelled")
	// ErrChunkNotFound is returned when no chunk covers a requested position.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrRecordTooLarge is returned when a record cannot fit even an empty chunk.
	ErrRecordTooLarge = errors.New("record too large for chunk")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
	// ErrReadOnly is returned when appending to a completed chunk.
	ErrReadOnly = errors.New("chunk is read-only")
)

// InvalidFileError reports a structural mismatch in a chunk, table or manifest file:
// bad magic, unknown flags, truncated content or an entry layout that does not match
// the declared version.
type InvalidFileError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid file %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// NewInvalidFile builds an InvalidFileError with a formatted reason.
func NewInvalidFile(path string, offset int64, format string, args ...any) *InvalidFileError {
	return &InvalidFileError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// CorruptChunkError reports a chunk whose header, footer, checksum or record framing
// cannot be trusted. Loading or reading that chunk must not proceed.
type CorruptChunkError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("corrupt chunk %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptChunkError) Unwrap() error { return e.Err }

// CorruptIndexError reports a PTable whose on-disk invariants are violated, or an
// index entry that does not resolve to a prepare record in the log.
type CorruptIndexError struct {
	Path     string
	Position int64
	Err      error
}

func (e *CorruptIndexError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("corrupt index entry at log position %d: %v", e.Position, e.Err)
	}
	return fmt.Sprintf("corrupt index %s: %v", e.Path, e.Err)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// Cancelled wraps a context error so callers can test for ErrCancelled and the
// original context error alike.
func Cancelled(ctxErr error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
}

// IsInvalidFile reports whether err (or anything it wraps) is an InvalidFileError.
func IsInvalidFile(err error) bool {
	var target *InvalidFileError
	return errors.As(err, &target)
}

// IsCorruptChunk reports whether err (or anything it wraps) is a CorruptChunkError.
func IsCorruptChunk(err error) bool {
	var target *CorruptChunkError
	return errors.As(err, &target)
}

// IsCorruptIndex reports whether err (or anything it wraps) is a CorruptIndexError.
func IsCorruptIndex(err error) bool {
	var target *CorruptIndexError
	return errors.As(err, &target)
}
