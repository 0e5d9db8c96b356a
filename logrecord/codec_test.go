package logrecord

import (
	"encoding/binary"
	"testing"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePrepare() *Prepare {
	return &Prepare{
		LogPosition:         4096,
		Flags:               FlagSingleWrite | FlagIsCommitted | FlagIsJson,
		TransactionPosition: 4096,
		TransactionOffset:   0,
		ExpectedVersion:     core.ExpectedVersionNoStream,
		EventStreamID:       "account-42",
		EventID:             uuid.New(),
		CorrelationID:       uuid.New(),
		TimeStamp:           1_700_000_000_000_000_000,
		EventType:           "Deposited",
		Data:                []byte(`{"amount":10}`),
		Metadata:            []byte(`{"user":"x"}`),
	}
}

func roundTrip(t *testing.T, rec LogRecord) LogRecord {
	t.Helper()
	data, err := Serialize(rec)
	require.NoError(t, err)
	out, err := Deserialize(data)
	require.NoError(t, err)
	return out
}

func TestRoundTrip_AllKinds(t *testing.T) {
	records := []LogRecord{
		samplePrepare(),
		&Commit{LogPosition: 9000, TransactionPosition: 4096, FirstEventNumber: 3, SortKey: 1, CorrelationID: uuid.New(), TimeStamp: 12},
		&System{LogPosition: 0, TimeStamp: 99, Kind: SystemEpoch, Data: []byte{1, 2, 3}},
		&Partition{LogPosition: 10, PartitionID: uuid.New(), PartitionTypeID: uuid.New(), Flags: 1, ReferenceNumber: 7, Name: "root"},
		&StreamType{LogPosition: 20, PartitionID: uuid.New(), RecordID: uuid.New(), ReferenceNumber: 2, Name: "orders"},
	}
	for _, rec := range records {
		t.Run(rec.Type().String(), func(t *testing.T) {
			out := roundTrip(t, rec)
			assert.Equal(t, rec, out)
			assert.Equal(t, rec.Type(), out.Type())
			assert.Equal(t, rec.Position(), out.Position())
		})
	}
}

func TestRoundTrip_NilVersusEmptyPayload(t *testing.T) {
	p := samplePrepare()
	p.Data = []byte{}
	p.Metadata = nil

	out := roundTrip(t, p).(*Prepare)
	require.NotNil(t, out.Data, "empty data must stay present")
	assert.Len(t, out.Data, 0)
	assert.Nil(t, out.Metadata, "absent metadata must stay absent")

	p.Data = nil
	p.Metadata = []byte{}
	out = roundTrip(t, p).(*Prepare)
	assert.Nil(t, out.Data)
	require.NotNil(t, out.Metadata)
	assert.Len(t, out.Metadata, 0)
}

func TestRoundTrip_SchemaInfo(t *testing.T) {
	testCases := []struct {
		name     string
		data     *SchemaInfo
		metadata *SchemaInfo
	}{
		{name: "none"},
		{name: "json with version", data: &SchemaInfo{Format: SchemaJSON, Version: uuid.New()}},
		{name: "zero length version", data: &SchemaInfo{Format: SchemaAvro}},
		{name: "both", data: &SchemaInfo{Format: SchemaProtobuf, Version: uuid.New()}, metadata: &SchemaInfo{Format: SchemaBytes}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := samplePrepare()
			p.DataSchema = tc.data
			p.MetadataSchema = tc.metadata
			out := roundTrip(t, p).(*Prepare)
			assert.Equal(t, tc.data, out.DataSchema)
			assert.Equal(t, tc.metadata, out.MetadataSchema)
		})
	}
}

func TestDeserialize_Corrupt(t *testing.T) {
	valid, err := Serialize(samplePrepare())
	require.NoError(t, err)

	t.Run("unknown record type", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[0] = 200
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})

	t.Run("unknown version", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[1] = 9
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})

	t.Run("unknown schema tag", func(t *testing.T) {
		// The metadata schema tag is the last byte when no schemas are set.
		data := append([]byte(nil), valid...)
		data[len(data)-1] = 42
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})

	t.Run("bad schema version length", func(t *testing.T) {
		data := append([]byte(nil), valid[:len(valid)-1]...)
		data = append(data, byte(SchemaJSON))
		data = binary.LittleEndian.AppendUint32(data, 7)
		data = append(data, make([]byte, 7)...)
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 5, 20, len(valid) - 2} {
			_, err := Deserialize(valid[:n])
			assert.ErrorIs(t, err, core.ErrCorruptRecord, "length %d", n)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		data := append(append([]byte(nil), valid...), 0)
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})
}

func TestSerialize_Errors(t *testing.T) {
	p := samplePrepare()
	p.DataSchema = &SchemaInfo{Format: 77}
	_, err := Serialize(p)
	assert.Error(t, err)

	for _, rec := range []LogRecord{nil, (*Prepare)(nil), (*Commit)(nil), (*System)(nil), (*Partition)(nil), (*StreamType)(nil)} {
		_, err = Serialize(rec)
		assert.ErrorIs(t, err, errNilRecord, "%T", rec)
		_, err = SerializeFramed(nil, rec)
		assert.ErrorIs(t, err, errNilRecord, "%T", rec)
	}

	p = samplePrepare()
	p.Data = make([]byte, core.MaxRecordSize)
	_, err = Serialize(p)
	assert.ErrorIs(t, err, core.ErrRecordTooLarge)
}

func TestPrepare_EventNumber(t *testing.T) {
	p := samplePrepare()
	p.ExpectedVersion = 4
	assert.Equal(t, int64(5), p.EventNumber())
	p.ExpectedVersion = core.ExpectedVersionNoStream
	assert.Equal(t, int64(0), p.EventNumber())
	p.Flags |= FlagStreamDelete
	assert.Equal(t, core.EventNumberDeletedStream, p.EventNumber())
	assert.True(t, p.IsTombstone())
}

func TestSerializeFramed(t *testing.T) {
	rec := samplePrepare()
	raw, err := Serialize(rec)
	require.NoError(t, err)

	prefix := []byte("garbage")
	framed, err := SerializeFramed(prefix, rec)
	require.NoError(t, err)
	body := framed[len(prefix):]
	require.Len(t, body, FramedSize(len(raw)))
	assert.Equal(t, uint32(len(raw)), binary.LittleEndian.Uint32(body[:4]))
	assert.Equal(t, uint32(len(raw)), binary.LittleEndian.Uint32(body[len(body)-4:]))
	assert.Equal(t, raw, body[4:len(body)-4])
	assert.Equal(t, AppendFramed(nil, raw), body)
}
