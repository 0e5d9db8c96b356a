// Package filter holds the probabilistic stream filters written next to index tables.
package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/willf/bloom"
)

// Filter is a probabilistic set of stream hashes.
type Filter interface {
	// MayContain checks if the stream may be in the set.
	// A false return value means the stream is definitely not in the set.
	// A true return value means the stream is probably in the set.
	MayContain(stream uint64) bool

	// Bytes returns the serialized filter.
	Bytes() ([]byte, error)
}

// Bloom is a bloom filter over 64-bit stream hashes.
type Bloom struct {
	f *bloom.BloomFilter
}

var _ Filter = (*Bloom)(nil)

// NewBloom sizes a filter for n streams at the given false positive rate.
func NewBloom(n uint, falsePositiveRate float64) *Bloom {
	if n == 0 {
		n = 1
	}
	return &Bloom{f: bloom.NewWithEstimates(n, falsePositiveRate)}
}

func key(stream uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], stream)
	return b[:]
}

func (b *Bloom) Add(stream uint64) { b.f.Add(key(stream)) }

func (b *Bloom) MayContain(stream uint64) bool { return b.f.Test(key(stream)) }

func (b *Bloom) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize bloom filter: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadBloom decodes a filter written by Bytes.
func ReadBloom(r io.Reader) (*Bloom, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter: %w", err)
	}
	return &Bloom{f: f}, nil
}
