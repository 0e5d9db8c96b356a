package scavenge

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// KV is one named keyspace of the scavenge state, valid for the duration of
// the transaction it came from.
type KV interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	// ForEach visits entries in key order.
	ForEach(fn func(key, value []byte) error) error
}

// Tx groups state changes. Bolt-backed state commits a Tx atomically.
type Tx interface {
	Bucket(name string) KV
	// Drop removes a keyspace with everything in it.
	Drop(name string) error
}

// State persists what a scavenge run learned so an interrupted run resumes
// where it stopped.
type State interface {
	Update(fn func(Tx) error) error
	View(fn func(Tx) error) error
	Close() error
}

const (
	bucketCheckpoint     = "checkpoint"
	bucketHashes         = "hashes"
	bucketCollisions     = "collisions"
	bucketStreamsByHash  = "streams-by-hash"
	bucketStreamsByName  = "streams-by-name"
	bucketMetasByHash    = "metastreams-by-hash"
	bucketMetasByName    = "metastreams-by-name"
	bucketChunkWeights   = "chunk-weights"
	bucketChunksExecuted = "chunks-executed"
)

// runBuckets are cleared when a run completes.
var runBuckets = []string{bucketStreamsByHash, bucketStreamsByName, bucketMetasByHash, bucketMetasByName, bucketChunkWeights, bucketChunksExecuted}

// --- bbolt ---

type boltState struct {
	db *bolt.DB
}

// OpenBoltState opens (or creates) the state database at path.
func OpenBoltState(path string) (State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open scavenge state %s: %w", path, err)
	}
	return &boltState{db: db}, nil
}

func (s *boltState) Update(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (s *boltState) View(fn func(Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (s *boltState) Close() error { return s.db.Close() }

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Bucket(name string) KV {
	if t.tx.Writable() {
		b, err := t.tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return errKV{err: err}
		}
		return boltKV{b: b}
	}
	if b := t.tx.Bucket([]byte(name)); b != nil {
		return boltKV{b: b}
	}
	return emptyKV{}
}

func (t *boltTx) Drop(name string) error {
	err := t.tx.DeleteBucket([]byte(name))
	if err == bolt.ErrBucketNotFound {
		return nil
	}
	return err
}

type boltKV struct {
	b *bolt.Bucket
}

func (kv boltKV) Get(key []byte) []byte {
	v := kv.b.Get(key)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

func (kv boltKV) Put(key, value []byte) error { return kv.b.Put(key, value) }
func (kv boltKV) Delete(key []byte) error     { return kv.b.Delete(key) }
func (kv boltKV) ForEach(fn func(key, value []byte) error) error {
	return kv.b.ForEach(fn)
}

type emptyKV struct{}

func (emptyKV) Get([]byte) []byte                       { return nil }
func (emptyKV) Put([]byte, []byte) error                { return bolt.ErrTxNotWritable }
func (emptyKV) Delete([]byte) error                     { return bolt.ErrTxNotWritable }
func (emptyKV) ForEach(func([]byte, []byte) error) error { return nil }

type errKV struct{ err error }

func (e errKV) Get([]byte) []byte                       { return nil }
func (e errKV) Put([]byte, []byte) error                { return e.err }
func (e errKV) Delete([]byte) error                     { return e.err }
func (e errKV) ForEach(func([]byte, []byte) error) error { return e.err }

// --- memory ---

type memState struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryState returns a volatile state. A run using it starts over after a restart.
func NewMemoryState() State {
	return &memState{buckets: make(map[string]map[string][]byte)}
}

func (s *memState) Update(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, writable: true, staged: make(map[string]map[string][]byte), dropped: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *memState) View(fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

func (s *memState) Close() error { return nil }

// memTx stages writes and applies them on commit so a failed Update leaves
// the state untouched.
type memTx struct {
	s        *memState
	writable bool
	staged   map[string]map[string][]byte
	dropped  map[string]bool
}

func (t *memTx) Bucket(name string) KV { return &memKV{tx: t, name: name} }

func (t *memTx) Drop(name string) error {
	if !t.writable {
		return bolt.ErrTxNotWritable
	}
	t.dropped[name] = true
	delete(t.staged, name)
	return nil
}

func (t *memTx) commit() {
	for name := range t.dropped {
		delete(t.s.buckets, name)
	}
	for name, writes := range t.staged {
		b := t.s.buckets[name]
		if b == nil {
			b = make(map[string][]byte)
			t.s.buckets[name] = b
		}
		for k, v := range writes {
			if v == nil {
				delete(b, k)
			} else {
				b[k] = v
			}
		}
	}
}

type memKV struct {
	tx   *memTx
	name string
}

func (kv *memKV) Get(key []byte) []byte {
	if w, ok := kv.tx.staged[kv.name]; ok {
		if v, ok := w[string(key)]; ok {
			return v
		}
	}
	if kv.tx.dropped[kv.name] {
		return nil
	}
	return kv.tx.s.buckets[kv.name][string(key)]
}

func (kv *memKV) put(key string, value []byte) error {
	if !kv.tx.writable {
		return bolt.ErrTxNotWritable
	}
	w := kv.tx.staged[kv.name]
	if w == nil {
		w = make(map[string][]byte)
		kv.tx.staged[kv.name] = w
	}
	w[key] = value
	return nil
}

func (kv *memKV) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return kv.put(string(key), append([]byte(nil), value...))
}

func (kv *memKV) Delete(key []byte) error { return kv.put(string(key), nil) }

func (kv *memKV) ForEach(fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	if !kv.tx.dropped[kv.name] {
		for k, v := range kv.tx.s.buckets[kv.name] {
			merged[k] = v
		}
	}
	for k, v := range kv.tx.staged[kv.name] {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// --- typed access ---

func uint64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func int32Key(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func getValue[V any](kv KV, key []byte) (V, bool, error) {
	raw := kv.Get(key)
	if raw == nil {
		var zero V
		return zero, false, nil
	}
	v, err := decodeValue[V](key, raw)
	return v, err == nil, err
}

func decodeValue[V any](key, raw []byte) (V, error) {
	var v V
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode scavenge state value %x: %w", key, err)
	}
	return v, nil
}

func putValue[V any](kv KV, key []byte, v V) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode scavenge state value %x: %w", key, err)
	}
	return kv.Put(key, raw)
}

// checkpoint records how far a run got.
type checkpoint struct {
	RunID string `msgpack:"run_id"`
	Phase Phase  `msgpack:"phase"`
	// ScavengePoint is the first chunk number not covered by the run.
	ScavengePoint int32 `msgpack:"scavenge_point"`
	// Next is the next chunk number the current phase processes.
	Next int32 `msgpack:"next"`
	// Now is fixed when the run starts so $maxAge is evaluated consistently.
	Now int64 `msgpack:"now"`
}

var checkpointKey = []byte("current")

func readCheckpoint(tx Tx) (checkpoint, bool, error) {
	return getValue[checkpoint](tx.Bucket(bucketCheckpoint), checkpointKey)
}

func writeCheckpoint(tx Tx, cp checkpoint) error {
	return putValue(tx.Bucket(bucketCheckpoint), checkpointKey, cp)
}
