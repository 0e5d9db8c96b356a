package ptable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
)

// Version is the on-disk format of a table. It fixes the entry layout.
type Version uint8

const (
	// V1 entries: u32 stream hash | i32 version | i64 position.
	V1 Version = 1
	// V2 entries: u64 stream hash | i32 version | i64 position.
	V2 Version = 2
	// V3 entries: u64 stream hash | i64 version | i64 position.
	V3 Version = 3
	// V4 is V3 with the midpoints persisted after the entries.
	V4 Version = 4

	LatestVersion = V4
)

const midpointSize = 24

func (v Version) Valid() bool { return v >= V1 && v <= V4 }

// EntrySize is the size of one entry in a table of this version.
func (v Version) EntrySize() int {
	switch v {
	case V1:
		return 16
	case V2:
		return 20
	default:
		return 24
	}
}

// MaxEntries is the largest entry count this version can address.
func (v Version) MaxEntries() int64 {
	if v >= V4 {
		return math.MaxInt64 / 32
	}
	return math.MaxInt32
}

func (v Version) String() string { return fmt.Sprintf("V%d", uint8(v)) }

// header is the fixed 128 byte table header.
//
//	0 magic u32 | 4 version u8 | 5 flags u8 | 6 reserved u16 | 8 id [16]
//	24 prepare checkpoint i64 | 32 commit checkpoint i64 | 40.. zero
type header struct {
	Version           Version
	ID                uuid.UUID
	PrepareCheckpoint int64
	CommitCheckpoint  int64
}

func (h *header) marshal() []byte {
	b := make([]byte, core.PTableHeaderSize)
	binary.LittleEndian.PutUint32(b[0:], core.PTableMagic)
	b[4] = byte(h.Version)
	copy(b[8:24], h.ID[:])
	binary.LittleEndian.PutUint64(b[24:], uint64(h.PrepareCheckpoint))
	binary.LittleEndian.PutUint64(b[32:], uint64(h.CommitCheckpoint))
	return b
}

func unmarshalHeader(path string, b []byte) (header, error) {
	var h header
	if binary.LittleEndian.Uint32(b[0:]) != core.PTableMagic {
		return h, core.NewInvalidFile(path, 0, "bad table magic %#x", binary.LittleEndian.Uint32(b[0:]))
	}
	h.Version = Version(b[4])
	if !h.Version.Valid() {
		return h, core.NewInvalidFile(path, 4, "unknown table version %d", b[4])
	}
	if b[5] != 0 || b[6] != 0 || b[7] != 0 {
		return h, core.NewInvalidFile(path, 5, "unknown table flags %#x", b[5])
	}
	copy(h.ID[:], b[8:24])
	h.PrepareCheckpoint = int64(binary.LittleEndian.Uint64(b[24:]))
	h.CommitCheckpoint = int64(binary.LittleEndian.Uint64(b[32:]))
	return h, nil
}

// footer is the fixed 64 byte footer that precedes the checksum.
//
//	0 magic u32 | 4 version u8 | 5 reserved | 8 midpoint count u32
//	12 reserved | 16 entry count i64 | 24.. zero
type footer struct {
	Version       Version
	MidpointCount uint32
	Count         int64
}

func (f *footer) marshal() []byte {
	b := make([]byte, core.PTableFooterSize)
	binary.LittleEndian.PutUint32(b[0:], core.PTableFooterMagic)
	b[4] = byte(f.Version)
	binary.LittleEndian.PutUint32(b[8:], f.MidpointCount)
	binary.LittleEndian.PutUint64(b[16:], uint64(f.Count))
	return b
}

func unmarshalFooter(path string, off int64, b []byte) (footer, error) {
	var f footer
	if binary.LittleEndian.Uint32(b[0:]) != core.PTableFooterMagic {
		return f, core.NewInvalidFile(path, off, "bad table footer magic")
	}
	f.Version = Version(b[4])
	f.MidpointCount = binary.LittleEndian.Uint32(b[8:])
	f.Count = int64(binary.LittleEndian.Uint64(b[16:]))
	return f, nil
}

// fileSize is the exact size of a table with count entries and midCount midpoints.
func fileSize(v Version, count int64, midCount int64) int64 {
	return core.PTableHeaderSize + count*int64(v.EntrySize()) + midCount*midpointSize + core.PTableFooterSize + core.ChecksumSize
}

func encodeEntry(b []byte, v Version, e core.IndexEntry) {
	switch v {
	case V1:
		binary.LittleEndian.PutUint32(b[0:], uint32(e.Stream))
		binary.LittleEndian.PutUint32(b[4:], narrowVersion(e.Version))
		binary.LittleEndian.PutUint64(b[8:], uint64(e.Position))
	case V2:
		binary.LittleEndian.PutUint64(b[0:], e.Stream)
		binary.LittleEndian.PutUint32(b[8:], narrowVersion(e.Version))
		binary.LittleEndian.PutUint64(b[12:], uint64(e.Position))
	default:
		binary.LittleEndian.PutUint64(b[0:], e.Stream)
		binary.LittleEndian.PutUint64(b[8:], uint64(e.Version))
		binary.LittleEndian.PutUint64(b[16:], uint64(e.Position))
	}
}

func decodeEntry(b []byte, v Version) core.IndexEntry {
	switch v {
	case V1:
		return core.IndexEntry{
			Stream:   uint64(binary.LittleEndian.Uint32(b[0:])),
			Version:  widenVersion(binary.LittleEndian.Uint32(b[4:])),
			Position: int64(binary.LittleEndian.Uint64(b[8:])),
		}
	case V2:
		return core.IndexEntry{
			Stream:   binary.LittleEndian.Uint64(b[0:]),
			Version:  widenVersion(binary.LittleEndian.Uint32(b[8:])),
			Position: int64(binary.LittleEndian.Uint64(b[12:])),
		}
	default:
		return core.IndexEntry{
			Stream:   binary.LittleEndian.Uint64(b[0:]),
			Version:  int64(binary.LittleEndian.Uint64(b[8:])),
			Position: int64(binary.LittleEndian.Uint64(b[16:])),
		}
	}
}

// 32-bit versions store the deleted-stream event number as MaxInt32.
func narrowVersion(v int64) uint32 {
	if v == core.EventNumberDeletedStream {
		return math.MaxInt32
	}
	return uint32(int32(v))
}

func widenVersion(u uint32) int64 {
	if v := int32(u); v != math.MaxInt32 {
		return int64(v)
	}
	return core.EventNumberDeletedStream
}

// Midpoint is a sampled key and the index of the entry it was taken from.
type Midpoint struct {
	Stream    uint64
	Version   int64
	ItemIndex int64
}

func (m Midpoint) key() core.IndexEntry { return core.IndexEntry{Stream: m.Stream, Version: m.Version} }

func encodeMidpoint(b []byte, m Midpoint) {
	binary.LittleEndian.PutUint64(b[0:], m.Stream)
	binary.LittleEndian.PutUint64(b[8:], uint64(m.Version))
	binary.LittleEndian.PutUint64(b[16:], uint64(m.ItemIndex))
}

func decodeMidpoint(b []byte) Midpoint {
	return Midpoint{
		Stream:    binary.LittleEndian.Uint64(b[0:]),
		Version:   int64(binary.LittleEndian.Uint64(b[8:])),
		ItemIndex: int64(binary.LittleEndian.Uint64(b[16:])),
	}
}

// midpointCount is how many midpoints a table of count entries gets at depth.
func midpointCount(count int64, depth int) int64 {
	if depth <= 0 || count < 2 {
		return 0
	}
	if depth > 28 {
		depth = 28
	}
	n := int64(1) << depth
	if n < 2 {
		n = 2
	}
	if n > count {
		n = count
	}
	return n
}

// midpointIndex is the entry index sampled for midpoint i of n.
func midpointIndex(i, n, count int64) int64 {
	if n <= 1 {
		return 0
	}
	return i * (count - 1) / (n - 1)
}

// entryVersionFits reports whether v can store e without truncation.
func entryVersionFits(v Version, e core.IndexEntry) bool {
	switch v {
	case V1:
		return e.Stream <= math.MaxUint32 && fitsInt32(e.Version)
	case V2:
		return fitsInt32(e.Version)
	default:
		return true
	}
}

func fitsInt32(v int64) bool {
	return v == core.EventNumberDeletedStream || (v >= math.MinInt32 && v < math.MaxInt32)
}
