package core

import (
	"fmt"
	"math"
	"strings"
)

// Expected version sentinels accepted on append.
const (
	ExpectedVersionAny          int64 = -2
	ExpectedVersionNoStream     int64 = -1
	ExpectedVersionInvalid      int64 = -3
	ExpectedVersionStreamExists int64 = -4
)

// Event number sentinels.
const (
	// EventNumberDeletedStream is the event number of a stream tombstone.
	EventNumberDeletedStream int64 = math.MaxInt64
	// EventNumberInvalid marks an unknown event number.
	EventNumberInvalid int64 = math.MinInt64
	// EventNumberNoStream is reported as the last event number of a stream with no events.
	EventNumberNoStream int64 = -1
)

// MetastreamPrefix prefixes the metadata stream of every stream.
const MetastreamPrefix = "$$"

// IsMetastream reports whether stream is a metadata stream.
func IsMetastream(stream string) bool {
	return strings.HasPrefix(stream, MetastreamPrefix)
}

// MetastreamOf returns the metadata stream of stream.
func MetastreamOf(stream string) string {
	return MetastreamPrefix + stream
}

// OriginalStreamOf returns the stream a metastream describes.
func OriginalStreamOf(metastream string) string {
	return strings.TrimPrefix(metastream, MetastreamPrefix)
}

// ExpectedVersionString renders sentinels by name for logs and errors.
func ExpectedVersionString(v int64) string {
	switch v {
	case ExpectedVersionAny:
		return "Any"
	case ExpectedVersionNoStream:
		return "NoStream"
	case ExpectedVersionInvalid:
		return "Invalid"
	case ExpectedVersionStreamExists:
		return "StreamExists"
	default:
		return fmt.Sprintf("%d", v)
	}
}

// TFPos is a position in the transaction file: the commit position of the
// commit (or committed prepare) and the position of the prepare itself.
type TFPos struct {
	CommitPosition  int64
	PreparePosition int64
}

// FirstTFPos is the position before the first record.
var FirstTFPos = TFPos{CommitPosition: 0, PreparePosition: 0}

// InvalidTFPos marks an unknown position.
var InvalidTFPos = TFPos{CommitPosition: -1, PreparePosition: -1}

// Compare orders positions by commit position, then prepare position.
func (p TFPos) Compare(o TFPos) int {
	switch {
	case p.CommitPosition < o.CommitPosition:
		return -1
	case p.CommitPosition > o.CommitPosition:
		return 1
	case p.PreparePosition < o.PreparePosition:
		return -1
	case p.PreparePosition > o.PreparePosition:
		return 1
	default:
		return 0
	}
}

func (p TFPos) String() string {
	return fmt.Sprintf("C:%d/P:%d", p.CommitPosition, p.PreparePosition)
}
