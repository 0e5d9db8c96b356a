package logrecord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
)

// Layout of every record (little endian):
//
//	type u8 | version u8 | logPosition i64 | kind-specific payload
//
// Strings are uvarint length prefixed. Optional byte blobs use a zig-zag varint
// length where -1 means absent, so nil and empty payloads stay distinct.

var errNilRecord = errors.New("cannot serialize nil record")

// isNil reports whether rec is nil or a typed nil pointer.
func isNil(rec LogRecord) bool {
	switch r := rec.(type) {
	case nil:
		return true
	case *Prepare:
		return r == nil
	case *Commit:
		return r == nil
	case *System:
		return r == nil
	case *Partition:
		return r == nil
	case *StreamType:
		return r == nil
	}
	return false
}

// Serialize encodes rec into a new byte slice.
func Serialize(rec LogRecord) ([]byte, error) {
	return AppendRecord(nil, rec)
}

// AppendRecord appends the encoding of rec to dst.
func AppendRecord(dst []byte, rec LogRecord) ([]byte, error) {
	if isNil(rec) {
		return nil, errNilRecord
	}
	start := len(dst)
	switch r := rec.(type) {
	case *Prepare:
		dst = appendHeader(dst, RecordPrepare, PrepareVersion, r.LogPosition)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(r.Flags))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TransactionPosition))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(r.TransactionOffset))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.ExpectedVersion))
		dst = appendString(dst, r.EventStreamID)
		dst = append(dst, r.EventID[:]...)
		dst = append(dst, r.CorrelationID[:]...)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TimeStamp))
		dst = appendString(dst, r.EventType)
		dst = appendOptionalBytes(dst, r.Data)
		dst = appendOptionalBytes(dst, r.Metadata)
		var err error
		if dst, err = appendSchema(dst, r.DataSchema); err != nil {
			return nil, err
		}
		if dst, err = appendSchema(dst, r.MetadataSchema); err != nil {
			return nil, err
		}
	case *Commit:
		dst = appendHeader(dst, RecordCommit, CommitVersion, r.LogPosition)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TransactionPosition))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.FirstEventNumber))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.SortKey))
		dst = append(dst, r.CorrelationID[:]...)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TimeStamp))
	case *System:
		dst = appendHeader(dst, RecordSystem, SystemVersion, r.LogPosition)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TimeStamp))
		dst = append(dst, byte(r.Kind))
		dst = appendOptionalBytes(dst, r.Data)
	case *Partition:
		dst = appendHeader(dst, RecordPartition, PartitionVersion, r.LogPosition)
		dst = append(dst, r.PartitionID[:]...)
		dst = append(dst, r.PartitionTypeID[:]...)
		dst = append(dst, r.ParentPartitionID[:]...)
		dst = append(dst, r.Flags)
		dst = binary.LittleEndian.AppendUint16(dst, r.ReferenceNumber)
		dst = appendString(dst, r.Name)
	case *StreamType:
		dst = appendHeader(dst, RecordStreamType, StreamTypeVersion, r.LogPosition)
		dst = append(dst, r.PartitionID[:]...)
		dst = append(dst, r.RecordID[:]...)
		dst = binary.LittleEndian.AppendUint16(dst, r.ReferenceNumber)
		dst = appendString(dst, r.Name)
	default:
		return nil, fmt.Errorf("unsupported record type %T", rec)
	}
	if n := len(dst) - start; n > core.MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrRecordTooLarge, n)
	}
	return dst, nil
}

// Deserialize decodes exactly one record from data. Unknown record types,
// versions, schema tags and trailing bytes all fail with core.ErrCorruptRecord.
func Deserialize(data []byte) (LogRecord, error) {
	d := &decoder{data: data}
	recType := RecordType(d.u8())
	version := d.u8()
	pos := d.i64()
	if d.err != nil {
		return nil, d.err
	}

	var rec LogRecord
	switch recType {
	case RecordPrepare:
		if version != PrepareVersion {
			return nil, badVersion(recType, version)
		}
		p := &Prepare{LogPosition: pos}
		p.Flags = PrepareFlags(d.u16())
		p.TransactionPosition = d.i64()
		p.TransactionOffset = int32(d.u32())
		p.ExpectedVersion = d.i64()
		p.EventStreamID = d.str()
		p.EventID = d.uuid()
		p.CorrelationID = d.uuid()
		p.TimeStamp = d.i64()
		p.EventType = d.str()
		p.Data = d.optionalBytes()
		p.Metadata = d.optionalBytes()
		p.DataSchema = d.schema()
		p.MetadataSchema = d.schema()
		rec = p
	case RecordCommit:
		if version != CommitVersion {
			return nil, badVersion(recType, version)
		}
		c := &Commit{LogPosition: pos}
		c.TransactionPosition = d.i64()
		c.FirstEventNumber = d.i64()
		c.SortKey = d.i64()
		c.CorrelationID = d.uuid()
		c.TimeStamp = d.i64()
		rec = c
	case RecordSystem:
		if version != SystemVersion {
			return nil, badVersion(recType, version)
		}
		s := &System{LogPosition: pos}
		s.TimeStamp = d.i64()
		s.Kind = SystemRecordType(d.u8())
		s.Data = d.optionalBytes()
		rec = s
	case RecordPartition:
		if version != PartitionVersion {
			return nil, badVersion(recType, version)
		}
		p := &Partition{LogPosition: pos}
		p.PartitionID = d.uuid()
		p.PartitionTypeID = d.uuid()
		p.ParentPartitionID = d.uuid()
		p.Flags = d.u8()
		p.ReferenceNumber = d.u16()
		p.Name = d.str()
		rec = p
	case RecordStreamType:
		if version != StreamTypeVersion {
			return nil, badVersion(recType, version)
		}
		s := &StreamType{LogPosition: pos}
		s.PartitionID = d.uuid()
		s.RecordID = d.uuid()
		s.ReferenceNumber = d.u16()
		s.Name = d.str()
		rec = s
	default:
		return nil, fmt.Errorf("%w: unknown record type %d", core.ErrCorruptRecord, uint8(recType))
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s record", core.ErrCorruptRecord, len(d.data)-d.off, recType)
	}
	return rec, nil
}

func badVersion(t RecordType, v uint8) error {
	return fmt.Errorf("%w: unknown %s record version %d", core.ErrCorruptRecord, t, v)
}

func appendHeader(dst []byte, t RecordType, version uint8, pos int64) []byte {
	dst = append(dst, byte(t), version)
	return binary.LittleEndian.AppendUint64(dst, uint64(pos))
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendOptionalBytes(dst []byte, b []byte) []byte {
	if b == nil {
		return binary.AppendVarint(dst, -1)
	}
	dst = binary.AppendVarint(dst, int64(len(b)))
	return append(dst, b...)
}

func appendSchema(dst []byte, s *SchemaInfo) ([]byte, error) {
	if s == nil {
		return append(dst, byte(schemaNone)), nil
	}
	if s.Format == schemaNone || s.Format > SchemaBytes {
		return nil, fmt.Errorf("invalid schema format %d", s.Format)
	}
	dst = append(dst, byte(s.Format))
	if s.Version == uuid.Nil {
		return binary.LittleEndian.AppendUint32(dst, 0), nil
	}
	dst = binary.LittleEndian.AppendUint32(dst, 16)
	return append(dst, s.Version[:]...), nil
}

// decoder reads fields sequentially. The first failure sticks and later reads
// return zero values.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", core.ErrCorruptRecord, fmt.Sprintf(format, args...), d.off)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.fail("truncated field of %d bytes", n)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	if b := d.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	n, read := binary.Uvarint(d.data[d.off:])
	if read <= 0 || n > math.MaxInt32 {
		d.fail("bad string length")
		return ""
	}
	d.off += read
	return string(d.take(int(n)))
}

func (d *decoder) optionalBytes() []byte {
	if d.err != nil {
		return nil
	}
	n, read := binary.Varint(d.data[d.off:])
	if read <= 0 || n < -1 || n > math.MaxInt32 {
		d.fail("bad blob length")
		return nil
	}
	d.off += read
	if n == -1 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) schema() *SchemaInfo {
	tag := SchemaFormat(d.u8())
	if d.err != nil {
		return nil
	}
	if tag == schemaNone {
		return nil
	}
	if tag > SchemaBytes {
		d.fail("unknown schema format tag %d", tag)
		return nil
	}
	s := &SchemaInfo{Format: tag}
	switch n := d.u32(); n {
	case 0:
	case 16:
		s.Version = d.uuid()
	default:
		d.fail("invalid schema version length %d", n)
		return nil
	}
	return s
}
