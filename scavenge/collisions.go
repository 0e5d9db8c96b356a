package scavenge

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/eventcore/core"
)

// StreamHandle names a stream in a CollisionMap: by hash when the hash is
// unique, by full stream id when it collides.
type StreamHandle struct {
	IsHash bool
	Hash   uint64
	Stream string
}

func (h StreamHandle) String() string {
	if h.IsHash {
		return fmt.Sprintf("hash:%016x", h.Hash)
	}
	return "stream:" + h.Stream
}

// CollisionMap stores one value per stream. Streams whose hash is unique are
// keyed by hash; colliding streams are keyed by their full id. Which side a
// stream lives on is decided by isCollision.
type CollisionMap[V any] struct {
	hasher      core.Hasher
	isCollision func(stream string) bool
	byHash      KV
	byName      KV
}

func NewCollisionMap[V any](hasher core.Hasher, isCollision func(stream string) bool, byHash, byName KV) *CollisionMap[V] {
	return &CollisionMap[V]{hasher: hasher, isCollision: isCollision, byHash: byHash, byName: byName}
}

func (m *CollisionMap[V]) key(stream string) (KV, []byte) {
	if m.isCollision(stream) {
		return m.byName, []byte(stream)
	}
	return m.byHash, uint64Key(m.hasher.Hash(stream))
}

func (m *CollisionMap[V]) TryGet(stream string) (V, bool, error) {
	kv, k := m.key(stream)
	return getValue[V](kv, k)
}

// TryGetByHash looks up a non-colliding stream by hash.
func (m *CollisionMap[V]) TryGetByHash(hash uint64) (V, bool, error) {
	return getValue[V](m.byHash, uint64Key(hash))
}

func (m *CollisionMap[V]) Set(stream string, v V) error {
	kv, k := m.key(stream)
	return putValue(kv, k, v)
}

// SetByHandle stores v under a handle produced by Enumerate.
func (m *CollisionMap[V]) SetByHandle(h StreamHandle, v V) error {
	if h.IsHash {
		return putValue(m.byHash, uint64Key(h.Hash), v)
	}
	return putValue(m.byName, []byte(h.Stream), v)
}

func (m *CollisionMap[V]) Delete(stream string) error {
	kv, k := m.key(stream)
	return kv.Delete(k)
}

// Enumerate visits every entry, non-colliding streams first.
func (m *CollisionMap[V]) Enumerate(fn func(StreamHandle, V) error) error {
	visit := func(kv KV, handle func([]byte) StreamHandle) error {
		return kv.ForEach(func(k, raw []byte) error {
			v, err := decodeValue[V](k, raw)
			if err != nil {
				return err
			}
			return fn(handle(k), v)
		})
	}
	if err := visit(m.byHash, func(k []byte) StreamHandle {
		return StreamHandle{IsHash: true, Hash: decodeUint64Key(k)}
	}); err != nil {
		return err
	}
	return visit(m.byName, func(k []byte) StreamHandle {
		return StreamHandle{Stream: string(k)}
	})
}

// MoveToCollision re-keys the entry stored under hash to stream. It is called
// when stream is found to collide with another stream of the same hash.
func (m *CollisionMap[V]) MoveToCollision(hash uint64, stream string) error {
	raw := m.byHash.Get(uint64Key(hash))
	if raw == nil {
		return nil
	}
	if err := m.byName.Put([]byte(stream), raw); err != nil {
		return err
	}
	return m.byHash.Delete(uint64Key(hash))
}

func decodeUint64Key(k []byte) uint64 { return binary.BigEndian.Uint64(k) }

// CollisionDetector remembers the first stream seen for every hash. A second
// distinct stream with the same hash makes both collisions.
type CollisionDetector struct {
	hasher     core.Hasher
	hashes     KV
	collisions KV
}

func NewCollisionDetector(hasher core.Hasher, hashes, collisions KV) *CollisionDetector {
	return &CollisionDetector{hasher: hasher, hashes: hashes, collisions: collisions}
}

// DetectResult reports what Add learned.
type DetectResult struct {
	// NewCollision is set when stream collides with a previously seen stream.
	NewCollision bool
	// Other is the stream first seen with the same hash.
	Other string
}

// Add registers stream. It reports a new collision at most once per pair.
func (d *CollisionDetector) Add(stream string) (DetectResult, error) {
	if d.IsCollision(stream) {
		return DetectResult{}, nil
	}
	h := uint64Key(d.hasher.Hash(stream))
	first := d.hashes.Get(h)
	if first == nil {
		return DetectResult{}, d.hashes.Put(h, []byte(stream))
	}
	if string(first) == stream {
		return DetectResult{}, nil
	}
	for _, s := range [][]byte{first, []byte(stream)} {
		if err := d.collisions.Put(s, []byte{}); err != nil {
			return DetectResult{}, err
		}
	}
	return DetectResult{NewCollision: true, Other: string(first)}, nil
}

// IsCollision reports whether stream shares its hash with another stream.
func (d *CollisionDetector) IsCollision(stream string) bool {
	return d.collisions.Get([]byte(stream)) != nil
}

// Collisions lists every colliding stream.
func (d *CollisionDetector) Collisions() ([]string, error) {
	var out []string
	err := d.collisions.ForEach(func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out, err
}

// IsCollisionHash reports whether some colliding stream has hash.
func (d *CollisionDetector) IsCollisionHash(hash uint64) (bool, error) {
	first := d.hashes.Get(uint64Key(hash))
	if first == nil {
		return false, nil
	}
	return d.IsCollision(string(first)), nil
}
