package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/eventcore/compressors"
	"github.com/INLOpen/eventcore/core"
)

// TransformType is stored in the chunk header so readers apply the inverse of
// whatever the writer applied.
type TransformType uint8

const (
	TransformIdentity TransformType = 0
	// TransformBitFlip inverts every byte. Only used to exercise the transform path in tests.
	TransformBitFlip TransformType = 0xF1

	// Compressing transforms are transformCompressed | core.CompressionType.
	transformCompressed TransformType = 0x20
	TransformSnappy     TransformType = transformCompressed | TransformType(core.CompressionSnappy)
	TransformLZ4        TransformType = transformCompressed | TransformType(core.CompressionLZ4)
	TransformZstd       TransformType = transformCompressed | TransformType(core.CompressionZSTD)
)

// Transform is applied to the data region of a chunk on write (Encode) and
// undone on read (Decode). Encode and Decode are size preserving and depend
// only on the byte offset within the data region, so any range can be decoded alone.
type Transform interface {
	Type() TransformType
	Encode(buf []byte, offset int64)
	Decode(buf []byte, offset int64)
}

// RecordTransform is implemented by transforms that rewrite each serialized
// record inside its frame. The frame lengths stay in the clear so forward and
// backward scans work unchanged; record sizes on disk change.
type RecordTransform interface {
	Transform
	// EncodeRecord appends the stored form of rec to dst.
	EncodeRecord(dst, rec []byte) ([]byte, error)
	// DecodeRecord returns the serialized record held in a frame payload.
	DecodeRecord(payload []byte) ([]byte, error)
}

// TransformFor returns the transform identified by t.
func TransformFor(t TransformType) (Transform, error) {
	switch t {
	case TransformIdentity:
		return identityTransform{}, nil
	case TransformBitFlip:
		return bitFlipTransform{}, nil
	case TransformSnappy, TransformLZ4, TransformZstd:
		c, err := compressors.ForType(core.CompressionType(t &^ transformCompressed))
		if err != nil {
			return nil, err
		}
		return compressTransform{t: t, c: c}, nil
	default:
		return nil, fmt.Errorf("unknown chunk transform %#x", uint8(t))
	}
}

// ParseTransform maps a configuration name to its transform type.
func ParseTransform(name string) (TransformType, error) {
	switch name {
	case "", "identity":
		return TransformIdentity, nil
	case "bitflip":
		return TransformBitFlip, nil
	case "snappy":
		return TransformSnappy, nil
	case "lz4":
		return TransformLZ4, nil
	case "zstd":
		return TransformZstd, nil
	default:
		return 0, fmt.Errorf("unknown chunk transform %q", name)
	}
}

type identityTransform struct{}

func (identityTransform) Type() TransformType      { return TransformIdentity }
func (identityTransform) Encode(buf []byte, _ int64) {}
func (identityTransform) Decode(buf []byte, _ int64) {}

type bitFlipTransform struct{}

func (bitFlipTransform) Type() TransformType { return TransformBitFlip }

func (bitFlipTransform) Encode(buf []byte, _ int64) {
	for i := range buf {
		buf[i] = ^buf[i]
	}
}

func (t bitFlipTransform) Decode(buf []byte, offset int64) { t.Encode(buf, offset) }

// compressTransform stores each record as `rawLen u32 | compressed bytes`. The
// high bit of rawLen marks a record the codec could not shrink, stored as is.
type compressTransform struct {
	t TransformType
	c core.Compressor
}

const storedRawFlag = 1 << 31

func (t compressTransform) Type() TransformType      { return t.t }
func (compressTransform) Encode(buf []byte, _ int64) {}
func (compressTransform) Decode(buf []byte, _ int64) {}

func (t compressTransform) EncodeRecord(dst, rec []byte) ([]byte, error) {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec)))
	out, err := t.c.Compress(dst, rec)
	switch {
	case compressors.IsIncompressible(err):
	case err != nil:
		return nil, fmt.Errorf("failed to compress record with %s: %w", t.c.Type(), err)
	case len(out)-start-4 < len(rec):
		return out, nil
	}
	dst = dst[:start]
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec))|storedRawFlag)
	return append(dst, rec...), nil
}

func (t compressTransform) DecodeRecord(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("compressed record of %d bytes has no length", len(payload))
	}
	header := binary.LittleEndian.Uint32(payload)
	rawSize := int(header &^ storedRawFlag)
	if rawSize == 0 || rawSize > core.MaxRecordSize {
		return nil, fmt.Errorf("invalid decompressed record length %d", rawSize)
	}
	if header&storedRawFlag != 0 {
		if len(payload)-4 != rawSize {
			return nil, fmt.Errorf("stored record length %d does not match header %d", len(payload)-4, rawSize)
		}
		return payload[4:], nil
	}
	rec, err := t.c.Decompress(make([]byte, 0, rawSize), payload[4:], rawSize)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record with %s: %w", t.c.Type(), err)
	}
	return rec, nil
}
