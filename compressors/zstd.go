package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/eventcore/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor uses a shared encoder and decoder in stateless block mode
// (EncodeAll/DecodeAll), which are safe for concurrent use.
type ZstdCompressor struct {
	once    sync.Once
	initErr error
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil)
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(100*1024*1024))
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	return c.encoder.EncodeAll(src, dst), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte, rawSize int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	start := len(dst)
	out, err := c.decoder.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	if n := len(out) - start; n != rawSize {
		return nil, fmt.Errorf("zstd frame size mismatch: got %d, want %d", n, rawSize)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
