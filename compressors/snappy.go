package compressors

import (
	"fmt"

	"github.com/INLOpen/eventcore/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using Snappy block encoding.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	encoded := snappy.Encode(nil, src)
	return append(dst, encoded...), nil
}

func (c *SnappyCompressor) Decompress(dst, src []byte, rawSize int) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("snappy decoded length error: %w", err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("snappy frame size mismatch: got %d, want %d", n, rawSize)
	}
	decoded, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return append(dst, decoded...), nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
