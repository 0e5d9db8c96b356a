package chunk

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
)

// Header flags.
const (
	HeaderFlagScavenged uint8 = 1 << 0
)

// Footer flags.
const (
	FooterFlagCompleted uint8 = 1 << 0
)

const knownHeaderFlags = HeaderFlagScavenged
const knownFooterFlags = FooterFlagCompleted

// posMapEntrySize is the on-disk size of one logical-to-physical map entry.
const posMapEntrySize = 12

// Header is the fixed-size prefix of every chunk file. It is never transformed.
//
//	0  magic u32 | 4 version u8 | 5 transform u8 | 6 flags u8 | 7 reserved
//	8  chunkSize i32 | 12 startNumber i32 | 16 endNumber i32
//	20 chunkID [16]byte | 36 createdAt i64 | 44..128 zero
type Header struct {
	Version          uint8
	Transform        TransformType
	Flags            uint8
	ChunkSize        int32
	ChunkStartNumber int32
	ChunkEndNumber   int32
	ChunkID          uuid.UUID
	CreatedAt        int64
}

func NewHeader(chunkSize int32, startNumber, endNumber int32, scavenged bool, transform TransformType) Header {
	h := Header{
		Version:          core.ChunkFormatVersion,
		Transform:        transform,
		ChunkSize:        chunkSize,
		ChunkStartNumber: startNumber,
		ChunkEndNumber:   endNumber,
		ChunkID:          uuid.New(),
		CreatedAt:        time.Now().UnixNano(),
	}
	if scavenged {
		h.Flags |= HeaderFlagScavenged
	}
	return h
}

func (h *Header) IsScavenged() bool { return h.Flags&HeaderFlagScavenged != 0 }

// ChunkStartPosition is the global log position of the first byte the chunk covers.
func (h *Header) ChunkStartPosition() int64 {
	return int64(h.ChunkStartNumber) * int64(h.ChunkSize)
}

// ChunkEndPosition is the global log position just past the chunk's logical range.
func (h *Header) ChunkEndPosition() int64 {
	return int64(h.ChunkEndNumber+1) * int64(h.ChunkSize)
}

func (h *Header) MarshalBinary() []byte {
	buf := make([]byte, core.ChunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], core.ChunkHeaderMagic)
	buf[4] = h.Version
	buf[5] = uint8(h.Transform)
	buf[6] = h.Flags
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ChunkSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.ChunkStartNumber))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.ChunkEndNumber))
	copy(buf[20:36], h.ChunkID[:])
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.CreatedAt))
	return buf
}

// ReadHeader parses and validates a header. path is used for error reporting.
func ReadHeader(path string, buf []byte) (Header, error) {
	var h Header
	if len(buf) < core.ChunkHeaderSize {
		return h, core.NewInvalidFile(path, 0, "chunk header truncated: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != core.ChunkHeaderMagic {
		return h, core.NewInvalidFile(path, 0, "bad chunk header magic %#x", magic)
	}
	h.Version = buf[4]
	if h.Version == 0 || h.Version > core.ChunkFormatVersion {
		return h, core.NewInvalidFile(path, 4, "unsupported chunk version %d", h.Version)
	}
	h.Transform = TransformType(buf[5])
	h.Flags = buf[6]
	if h.Flags&^knownHeaderFlags != 0 {
		return h, core.NewInvalidFile(path, 6, "unknown chunk header flags %#x", h.Flags)
	}
	h.ChunkSize = int32(binary.LittleEndian.Uint32(buf[8:12]))
	h.ChunkStartNumber = int32(binary.LittleEndian.Uint32(buf[12:16]))
	h.ChunkEndNumber = int32(binary.LittleEndian.Uint32(buf[16:20]))
	copy(h.ChunkID[:], buf[20:36])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(buf[36:44]))
	if h.ChunkSize <= 0 {
		return h, core.NewInvalidFile(path, 8, "invalid chunk size %d", h.ChunkSize)
	}
	if h.ChunkStartNumber < 0 || h.ChunkEndNumber < h.ChunkStartNumber {
		return h, core.NewInvalidFile(path, 12, "invalid chunk range %d-%d", h.ChunkStartNumber, h.ChunkEndNumber)
	}
	return h, nil
}

// Footer closes a completed chunk.
//
//	0  magic u32 | 4 flags u8 | 8 physicalDataSize i64 | 16 logicalDataSize i64
//	24 mapCount i32 | 32 checksum u64 | 40..128 zero
type Footer struct {
	Flags            uint8
	PhysicalDataSize int64
	LogicalDataSize  int64
	MapCount         int32
	// Checksum is xxhash64 over header, data and map exactly as stored.
	Checksum uint64
}

func (f *Footer) IsCompleted() bool { return f.Flags&FooterFlagCompleted != 0 }

func (f *Footer) MapSize() int64 { return int64(f.MapCount) * posMapEntrySize }

func (f *Footer) MarshalBinary() []byte {
	buf := make([]byte, core.ChunkFooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], core.ChunkFooterMagic)
	buf[4] = f.Flags
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.PhysicalDataSize))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.LogicalDataSize))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.MapCount))
	binary.LittleEndian.PutUint64(buf[32:40], f.Checksum)
	return buf
}

// ReadFooter parses and validates a footer found at offset in path.
func ReadFooter(path string, offset int64, buf []byte) (Footer, error) {
	var f Footer
	if len(buf) < core.ChunkFooterSize {
		return f, core.NewInvalidFile(path, offset, "chunk footer truncated: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != core.ChunkFooterMagic {
		return f, core.NewInvalidFile(path, offset, "bad chunk footer magic %#x", magic)
	}
	f.Flags = buf[4]
	if f.Flags&^knownFooterFlags != 0 {
		return f, core.NewInvalidFile(path, offset+4, "unknown chunk footer flags %#x", f.Flags)
	}
	if !f.IsCompleted() {
		return f, core.NewInvalidFile(path, offset+4, "chunk footer is not marked completed")
	}
	f.PhysicalDataSize = int64(binary.LittleEndian.Uint64(buf[8:16]))
	f.LogicalDataSize = int64(binary.LittleEndian.Uint64(buf[16:24]))
	f.MapCount = int32(binary.LittleEndian.Uint32(buf[24:28]))
	f.Checksum = binary.LittleEndian.Uint64(buf[32:40])
	if f.PhysicalDataSize < 0 || f.LogicalDataSize < 0 || f.MapCount < 0 {
		return f, core.NewInvalidFile(path, offset, "negative sizes in chunk footer")
	}
	return f, nil
}

// completedFileSize is the exact size of a completed chunk file.
func completedFileSize(f *Footer) int64 {
	return core.ChunkHeaderSize + f.PhysicalDataSize + f.MapSize() + core.ChunkFooterSize
}

func errf(path string, offset int64, format string, args ...any) error {
	return &core.CorruptChunkError{Path: path, Offset: offset, Err: fmt.Errorf(format, args...)}
}
