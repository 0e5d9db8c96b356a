package archive

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/eventcore/compressors"
	"github.com/INLOpen/eventcore/core"
	"github.com/cespare/xxhash/v2"
)

// An archived chunk is stored as a sequence of independently compressed frames
// followed by a frame index and a fixed trailer:
//
//	frame 0 | frame 1 | ... | index (frameEntrySize per frame) | trailer
//
// Trailer layout (little endian):
//
//	0  magic u32 | 4 version u8 | 5 compression u8 | 6 reserved u16
//	8  frameSize u32 | 12 frameCount u32 | 16 rawSize i64
//	24 indexOffset i64 | 32 index checksum u64
const (
	trailerSize    = 40
	frameEntrySize = 16
	framesVersion  = 1

	// frameRaw marks a frame stored uncompressed because it did not shrink.
	frameRaw uint32 = 1 << 0

	DefaultFrameSize = 1 << 20
)

type frameEntry struct {
	Offset    int64
	StoredLen uint32
	Flags     uint32
}

// frameIndex locates the frames of one archived chunk.
type frameIndex struct {
	Compression core.CompressionType
	FrameSize   int
	RawSize     int64
	Frames      []frameEntry
}

// frameFor returns the frame holding raw offset off.
func (fi *frameIndex) frameFor(off int64) int {
	return int(off / int64(fi.FrameSize))
}

func (fi *frameIndex) rawLen(i int) int {
	start := int64(i) * int64(fi.FrameSize)
	if rest := fi.RawSize - start; rest < int64(fi.FrameSize) {
		return int(rest)
	}
	return fi.FrameSize
}

// writeFrames compresses rawSize bytes from src into w and returns the number
// of bytes written.
func writeFrames(w io.Writer, src io.Reader, rawSize int64, frameSize int, ct core.CompressionType) (int64, error) {
	comp, err := compressors.ForType(ct)
	if err != nil {
		return 0, err
	}
	count := int((rawSize + int64(frameSize) - 1) / int64(frameSize))
	entries := make([]frameEntry, 0, count)
	raw := make([]byte, frameSize)
	var out []byte
	var written int64
	for remaining := rawSize; remaining > 0; {
		n := frameSize
		if remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := io.ReadFull(src, raw[:n]); err != nil {
			return written, fmt.Errorf("failed to read frame %d: %w", len(entries), err)
		}
		entry := frameEntry{Offset: written}
		out, err = comp.Compress(out[:0], raw[:n])
		stored := out
		switch {
		case compressors.IsIncompressible(err) || (err == nil && len(out) >= n):
			stored = raw[:n]
			entry.Flags |= frameRaw
		case err != nil:
			return written, fmt.Errorf("failed to compress frame %d: %w", len(entries), err)
		}
		if _, err := w.Write(stored); err != nil {
			return written, err
		}
		entry.StoredLen = uint32(len(stored))
		written += int64(len(stored))
		remaining -= int64(n)
		entries = append(entries, entry)
	}

	index := make([]byte, len(entries)*frameEntrySize)
	for i, e := range entries {
		b := index[i*frameEntrySize:]
		binary.LittleEndian.PutUint64(b[0:], uint64(e.Offset))
		binary.LittleEndian.PutUint32(b[8:], e.StoredLen)
		binary.LittleEndian.PutUint32(b[12:], e.Flags)
	}
	indexOffset := written
	if _, err := w.Write(index); err != nil {
		return written, err
	}
	written += int64(len(index))

	var tr [trailerSize]byte
	binary.LittleEndian.PutUint32(tr[0:], core.ArchiveFrameMagic)
	tr[4] = framesVersion
	tr[5] = byte(ct)
	binary.LittleEndian.PutUint32(tr[8:], uint32(frameSize))
	binary.LittleEndian.PutUint32(tr[12:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(tr[16:], uint64(rawSize))
	binary.LittleEndian.PutUint64(tr[24:], uint64(indexOffset))
	binary.LittleEndian.PutUint64(tr[32:], xxhash.Sum64(index))
	if _, err := w.Write(tr[:]); err != nil {
		return written, err
	}
	return written + trailerSize, nil
}

// parseTrailer validates the trailer of a blob of blobSize bytes and returns
// the partially filled index and the location of the entries.
func parseTrailer(name string, tr []byte, blobSize int64) (*frameIndex, int64, int, uint64, error) {
	if len(tr) != trailerSize || binary.LittleEndian.Uint32(tr[0:]) != core.ArchiveFrameMagic {
		return nil, 0, 0, 0, core.NewInvalidFile(name, blobSize-trailerSize, "bad archive trailer magic")
	}
	if tr[4] != framesVersion {
		return nil, 0, 0, 0, core.NewInvalidFile(name, blobSize-trailerSize+4, "unsupported archive frame version %d", tr[4])
	}
	fi := &frameIndex{
		Compression: core.CompressionType(tr[5]),
		FrameSize:   int(binary.LittleEndian.Uint32(tr[8:])),
		RawSize:     int64(binary.LittleEndian.Uint64(tr[16:])),
	}
	count := int(binary.LittleEndian.Uint32(tr[12:]))
	indexOffset := int64(binary.LittleEndian.Uint64(tr[24:]))
	checksum := binary.LittleEndian.Uint64(tr[32:])
	if fi.FrameSize <= 0 || indexOffset < 0 || indexOffset+int64(count)*frameEntrySize != blobSize-trailerSize {
		return nil, 0, 0, 0, core.NewInvalidFile(name, blobSize-trailerSize, "archive trailer does not match blob size %d", blobSize)
	}
	if want := (fi.RawSize + int64(fi.FrameSize) - 1) / int64(fi.FrameSize); int64(count) != want {
		return nil, 0, 0, 0, core.NewInvalidFile(name, blobSize-trailerSize, "archive has %d frames, expected %d", count, want)
	}
	return fi, indexOffset, count, checksum, nil
}

func parseEntries(name string, fi *frameIndex, buf []byte, indexOffset int64, checksum uint64) error {
	if xxhash.Sum64(buf) != checksum {
		return core.NewInvalidFile(name, indexOffset, "archive frame index checksum mismatch")
	}
	fi.Frames = make([]frameEntry, len(buf)/frameEntrySize)
	for i := range fi.Frames {
		b := buf[i*frameEntrySize:]
		e := frameEntry{
			Offset:    int64(binary.LittleEndian.Uint64(b[0:])),
			StoredLen: binary.LittleEndian.Uint32(b[8:]),
			Flags:     binary.LittleEndian.Uint32(b[12:]),
		}
		if e.Offset < 0 || e.Offset+int64(e.StoredLen) > indexOffset {
			return core.NewInvalidFile(name, indexOffset+int64(i*frameEntrySize), "frame %d lies outside the blob", i)
		}
		fi.Frames[i] = e
	}
	return nil
}

// decodeFrame turns the stored bytes of frame i into raw bytes.
func decodeFrame(fi *frameIndex, i int, stored []byte) ([]byte, error) {
	rawLen := fi.rawLen(i)
	if fi.Frames[i].Flags&frameRaw != 0 {
		if len(stored) != rawLen {
			return nil, fmt.Errorf("raw frame %d has %d bytes, expected %d", i, len(stored), rawLen)
		}
		return stored, nil
	}
	comp, err := compressors.ForType(fi.Compression)
	if err != nil {
		return nil, err
	}
	return comp.Decompress(make([]byte, 0, rawLen), stored, rawLen)
}
