package core

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hasher maps a stream id to the 64-bit hash stored in index entries.
// Implementations must be deterministic across process restarts.
type Hasher interface {
	Hash(stream string) uint64
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(stream string) uint64

func (f HasherFunc) Hash(stream string) uint64 { return f(stream) }

// StreamHasher is the default hasher: murmur3 in the high half and xxhash in
// the low half. Version 1 tables only keep the low half.
type StreamHasher struct{}

var _ Hasher = StreamHasher{}

func (StreamHasher) Hash(stream string) uint64 {
	b := []byte(stream)
	high := murmur3.Sum32(b)
	low := uint32(xxhash.Sum64(b))
	return uint64(high)<<32 | uint64(low)
}

// LowHash returns the 32-bit hash used by version 1 tables.
func LowHash(hash uint64) uint64 {
	return hash & 0xFFFFFFFF
}
