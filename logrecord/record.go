// Package logrecord defines the records stored in the transaction log and their
// binary codec. Records form a closed set: every kind implements LogRecord and
// the codec handles each kind in one exhaustive switch.
package logrecord

import (
	"fmt"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
)

// RecordType is the discriminant written as the first byte of every record.
type RecordType uint8

const (
	RecordPrepare    RecordType = 0
	RecordCommit     RecordType = 1
	RecordSystem     RecordType = 2
	RecordPartition  RecordType = 3
	RecordStreamType RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "Prepare"
	case RecordCommit:
		return "Commit"
	case RecordSystem:
		return "System"
	case RecordPartition:
		return "Partition"
	case RecordStreamType:
		return "StreamType"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record format versions understood by the codec.
const (
	PrepareVersion    uint8 = 1
	CommitVersion     uint8 = 1
	SystemVersion     uint8 = 1
	PartitionVersion  uint8 = 1
	StreamTypeVersion uint8 = 1
)

// LogRecord is implemented by *Prepare, *Commit, *System, *Partition and *StreamType.
type LogRecord interface {
	Type() RecordType
	// Position is the log position assigned at append time.
	Position() int64
	isLogRecord()
}

// PrepareFlags is the bitset carried by prepare records.
type PrepareFlags uint16

const (
	FlagNone             PrepareFlags = 0
	FlagData             PrepareFlags = 1 << 0
	FlagTransactionBegin PrepareFlags = 1 << 1
	FlagTransactionEnd   PrepareFlags = 1 << 2
	FlagStreamDelete     PrepareFlags = 1 << 3
	FlagIsCommitted      PrepareFlags = 1 << 5
	FlagIsJson           PrepareFlags = 1 << 8

	// FlagSingleWrite marks a prepare that is its own complete transaction.
	FlagSingleWrite = FlagData | FlagTransactionBegin | FlagTransactionEnd
)

func (f PrepareFlags) Has(flag PrepareFlags) bool { return f&flag == flag }

// SchemaFormat identifies the encoding described by a SchemaInfo.
type SchemaFormat uint8

const (
	// schemaNone is the on-disk sentinel for "no schema info".
	schemaNone SchemaFormat = 0

	SchemaJSON     SchemaFormat = 1
	SchemaProtobuf SchemaFormat = 2
	SchemaAvro     SchemaFormat = 3
	SchemaBytes    SchemaFormat = 4
)

// SchemaInfo describes the schema of an event's data or metadata.
// A zero Version is stored as a zero-length version field.
type SchemaInfo struct {
	Format  SchemaFormat
	Version uuid.UUID
}

// Prepare carries one event. Committed single writes have FlagIsCommitted set;
// transactional prepares become visible through a later Commit.
type Prepare struct {
	LogPosition         int64
	Flags               PrepareFlags
	TransactionPosition int64
	TransactionOffset   int32
	ExpectedVersion     int64
	EventStreamID       string
	EventID             uuid.UUID
	CorrelationID       uuid.UUID
	// TimeStamp is in unix nanoseconds.
	TimeStamp      int64
	EventType      string
	Data           []byte
	Metadata       []byte
	DataSchema     *SchemaInfo
	MetadataSchema *SchemaInfo
}

func (*Prepare) Type() RecordType  { return RecordPrepare }
func (p *Prepare) Position() int64 { return p.LogPosition }
func (*Prepare) isLogRecord()      {}

// EventNumber is the version this prepare writes into its stream.
func (p *Prepare) EventNumber() int64 {
	if p.Flags.Has(FlagStreamDelete) {
		return core.EventNumberDeletedStream
	}
	return p.ExpectedVersion + 1
}

func (p *Prepare) Time() time.Time { return time.Unix(0, p.TimeStamp).UTC() }

// IsTombstone reports whether the prepare deletes its stream.
func (p *Prepare) IsTombstone() bool { return p.Flags.Has(FlagStreamDelete) }

// Commit makes the prepares of a transaction visible.
type Commit struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	SortKey             int64
	CorrelationID       uuid.UUID
	TimeStamp           int64
}

func (*Commit) Type() RecordType  { return RecordCommit }
func (c *Commit) Position() int64 { return c.LogPosition }
func (*Commit) isLogRecord()      {}

// SystemRecordType distinguishes system records.
type SystemRecordType uint8

const (
	SystemEpoch     SystemRecordType = 0
	SystemInvalid   SystemRecordType = 1
	SystemPartition SystemRecordType = 2
)

// System records epochs and other control information.
type System struct {
	LogPosition int64
	TimeStamp   int64
	Kind        SystemRecordType
	Data        []byte
}

func (*System) Type() RecordType  { return RecordSystem }
func (s *System) Position() int64 { return s.LogPosition }
func (*System) isLogRecord()      {}

// Partition declares a partition of the log.
type Partition struct {
	LogPosition       int64
	PartitionID       uuid.UUID
	PartitionTypeID   uuid.UUID
	ParentPartitionID uuid.UUID
	Flags             uint8
	ReferenceNumber   uint16
	Name              string
}

func (*Partition) Type() RecordType  { return RecordPartition }
func (p *Partition) Position() int64 { return p.LogPosition }
func (*Partition) isLogRecord()      {}

// StreamType declares a named stream type inside a partition.
type StreamType struct {
	LogPosition     int64
	PartitionID     uuid.UUID
	RecordID        uuid.UUID
	ReferenceNumber uint16
	Name            string
}

func (*StreamType) Type() RecordType  { return RecordStreamType }
func (s *StreamType) Position() int64 { return s.LogPosition }
func (*StreamType) isLogRecord()      {}
