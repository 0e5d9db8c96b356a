package core

import "math"

// IndexEntry maps a stream hash and event number to the log position of the
// prepare that wrote it.
type IndexEntry struct {
	Stream   uint64
	Version  int64
	Position int64
}

// CompareIndexEntries orders entries the way index tables store them: by
// stream hash, then version, then position, all descending. It returns a
// negative number when a sorts before b.
func CompareIndexEntries(a, b IndexEntry) int {
	switch {
	case a.Stream > b.Stream:
		return -1
	case a.Stream < b.Stream:
		return 1
	case a.Version > b.Version:
		return -1
	case a.Version < b.Version:
		return 1
	case a.Position > b.Position:
		return -1
	case a.Position < b.Position:
		return 1
	}
	return 0
}

// CompareIndexKeys compares only stream hash and version.
func CompareIndexKeys(a, b IndexEntry) int {
	return CompareIndexEntries(IndexEntry{Stream: a.Stream, Version: a.Version}, IndexEntry{Stream: b.Stream, Version: b.Version})
}

// SeekKey is the first entry of stream at or below version in table order.
func SeekKey(stream uint64, version int64) IndexEntry {
	return IndexEntry{Stream: stream, Version: version, Position: math.MaxInt64}
}

// IndexSearcher is implemented by every table an index lookup consults.
type IndexSearcher interface {
	// TryGetOneValue returns the position of the newest entry for stream at version.
	TryGetOneValue(stream uint64, version int64) (int64, bool, error)
	// TryGetLatestEntry returns the entry with the highest version of stream.
	TryGetLatestEntry(stream uint64) (IndexEntry, bool, error)
	// TryGetOldestEntry returns the entry with the lowest version of stream.
	TryGetOldestEntry(stream uint64) (IndexEntry, bool, error)
	// GetRange returns the entries of stream with startVersion <= version <=
	// endVersion in table order, at most limit of them when limit > 0.
	GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]IndexEntry, error)
}
