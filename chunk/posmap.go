package chunk

import (
	"encoding/binary"
	"sort"
)

// PosMap maps a logical offset (relative to the chunk start position) to the
// physical offset of the record in the data region. Only scavenged chunks carry
// one; entries are sorted by both fields.
type PosMap struct {
	LogPos    int64
	ActualPos int32
}

func marshalPosMap(entries []PosMap) []byte {
	buf := make([]byte, 0, len(entries)*posMapEntrySize)
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LogPos))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.ActualPos))
	}
	return buf
}

func unmarshalPosMap(buf []byte) []PosMap {
	entries := make([]PosMap, len(buf)/posMapEntrySize)
	for i := range entries {
		off := i * posMapEntrySize
		entries[i] = PosMap{
			LogPos:    int64(binary.LittleEndian.Uint64(buf[off:])),
			ActualPos: int32(binary.LittleEndian.Uint32(buf[off+8:])),
		}
	}
	return entries
}

// findExact returns the index of the entry for logPos, or -1.
func findExact(entries []PosMap, logPos int64) int {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].LogPos >= logPos })
	if i < len(entries) && entries[i].LogPos == logPos {
		return i
	}
	return -1
}

// findFirstAtOrAfter returns the index of the first entry at or after logPos.
func findFirstAtOrAfter(entries []PosMap, logPos int64) int {
	return sort.Search(len(entries), func(i int) bool { return entries[i].LogPos >= logPos })
}
