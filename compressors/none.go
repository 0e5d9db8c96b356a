package compressors

import (
	"fmt"

	"github.com/INLOpen/eventcore/core"
)

// NoCompressionCompressor stores frames as they are.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) Decompress(dst, src []byte, rawSize int) ([]byte, error) {
	if len(src) != rawSize {
		return nil, fmt.Errorf("uncompressed frame size mismatch: got %d, want %d", len(src), rawSize)
	}
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
