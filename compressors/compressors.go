package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/eventcore/core"
)

// errIncompressible is returned by block compressors that cannot shrink a frame.
// Callers store such frames uncompressed.
var errIncompressible = errors.New("frame is incompressible")

// IsIncompressible reports whether err means the frame should be stored raw.
func IsIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// ForType returns the compressor for a stored CompressionType.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}
