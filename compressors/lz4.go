package compressors

import (
	"fmt"

	"github.com/INLOpen/eventcore/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
// The block format does not store the original size, so frames carry it.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// Incompressible input: CompressBlock signals it with n == 0.
		return nil, errIncompressible
	}
	return append(dst, buf[:n]...), nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte, rawSize int) ([]byte, error) {
	if rawSize == 0 {
		return dst, nil
	}
	out := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("lz4 frame size mismatch: got %d, want %d", n, rawSize)
	}
	return append(dst, out...), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
