package logrecord

import (
	"encoding/binary"
)

// FrameOverhead is the size of the length prefix plus suffix around each record.
const FrameOverhead = 8

// FramedSize returns the on-disk size of a record of n bytes.
func FramedSize(n int) int { return n + FrameOverhead }

// AppendFramed appends `len | record | len` to dst. The suffix lets readers
// walk a chunk backwards and detect torn or misaligned reads.
func AppendFramed(dst []byte, record []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(record)))
	dst = append(dst, record...)
	return binary.LittleEndian.AppendUint32(dst, uint32(len(record)))
}

// SerializeFramed encodes rec and frames it.
func SerializeFramed(dst []byte, rec LogRecord) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst, err := AppendRecord(dst, rec)
	if err != nil {
		return nil, err
	}
	n := len(dst) - start - 4
	binary.LittleEndian.PutUint32(dst[start:], uint32(n))
	return binary.LittleEndian.AppendUint32(dst, uint32(n)), nil
}
