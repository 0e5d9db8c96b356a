package core

// CompressionType identifies the compression algorithm used for archived chunk frames.
// It is stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor compresses independent blocks. Block APIs keep frames
// self-contained so ranges of an archived chunk can be decoded in isolation.
type Compressor interface {
	// Compress appends the compressed form of src to dst and returns the result.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decodes src. rawSize is the exact decompressed length.
	Decompress(dst, src []byte, rawSize int) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}
