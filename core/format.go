package core

import (
	"fmt"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the storage engine.

// --- Magic Numbers ---
const (
	// ChunkHeaderMagic identifies the header of a transaction log chunk file.
	ChunkHeaderMagic uint32 = 0x4B4E4843 // "CHNK"
	// ChunkFooterMagic identifies the footer of a completed chunk file.
	ChunkFooterMagic uint32 = 0x52544F46 // "FOTR"
	// PTableMagic identifies a persisted index table.
	PTableMagic uint32 = 0x4C425450 // "PTBL"
	// PTableFooterMagic closes the footer of a persisted index table.
	PTableFooterMagic uint32 = 0x52544650 // "PFTR"
	// CheckpointMagicNumber identifies a checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43
	// ArchiveFrameMagic closes the frame index of an archived chunk object.
	ArchiveFrameMagic uint32 = 0x4D524641 // "AFRM"
)

// --- Fixed Sizes ---
const (
	// ChunkHeaderSize is the size of the fixed chunk header, including padding.
	ChunkHeaderSize = 128
	// ChunkFooterSize is the size of the fixed chunk footer, including padding.
	ChunkFooterSize = 128
	// PTableHeaderSize is the size of the fixed PTable header, including padding.
	PTableHeaderSize = 128
	// PTableFooterSize is the size of the fixed PTable footer (checksum excluded).
	PTableFooterSize = 64
	// ChecksumSize is the size of the xxhash64 digests stored in chunk and table files.
	ChecksumSize = 8
)

// --- File Names & Prefixes ---
const (
	// ChunkFilePrefix is the prefix of every versioned chunk file, e.g. chunk-000012.000001.
	ChunkFilePrefix = "chunk-"
	// TempFileSuffix marks files that are still being written and never valid on load.
	TempFileSuffix = ".tmp"
	// ScavengeTempSuffix marks chunks produced by a scavenge run that were not switched in yet.
	ScavengeTempSuffix = ".scavenge.tmp"
	// IndexMapFileName is the manifest listing the PTables of the index.
	IndexMapFileName = "indexmap"
	// IndexDirName is the directory holding PTables and the manifest.
	IndexDirName = "index"
	// BloomFilterSuffix is appended to a PTable filename to name its bloom filter sidecar.
	BloomFilterSuffix = ".bloomfilter"
	// CheckpointSuffix is appended to a checkpoint name to form its file name.
	CheckpointSuffix = ".chk"
	// ScavengeStateFileName is the bbolt database holding resumable scavenge state.
	ScavengeStateFileName = "scavenging.db"
	// ArchiveCheckpointObject is the blob holding the archive checkpoint.
	ArchiveCheckpointObject = "archive.chk"
)

// --- Protocol & Format Versions ---
const (
	// ChunkFormatVersion is the current chunk file format version.
	ChunkFormatVersion uint8 = 3
	// IndexMapVersion is the current manifest format version.
	IndexMapVersion = 2
)

// --- Default Sizes & Limits ---
const (
	// DefaultChunkSize is the logical data capacity of a chunk (256 MB).
	DefaultChunkSize = 256 * 1024 * 1024
	// MaxRecordSize bounds a single serialized record.
	MaxRecordSize = 16 * 1024 * 1024
)

// Well-known checkpoint names.
const (
	WriterCheckpoint      = "writer"
	ChaserCheckpoint      = "chaser"
	EpochCheckpoint       = "epoch"
	TruncateCheckpoint    = "truncate"
	ReplicationCheckpoint = "replication"
	IndexCheckpoint       = "index"
	ArchiveCheckpoint     = "archive"
)

// FormatTempFilename joins a prefix and postfix into a temporary file name.
func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// CheckpointFileName returns the file name used for a named checkpoint.
func CheckpointFileName(name string) string {
	return name + CheckpointSuffix
}
