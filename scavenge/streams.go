package scavenge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/readindex"
)

// StreamData is what accumulation learned about one stream, and the discard
// point calculation derived from it.
type StreamData struct {
	MaxCount       int64         `msgpack:"max_count,omitempty"`
	MaxAge         time.Duration `msgpack:"max_age,omitempty"`
	TruncateBefore int64         `msgpack:"tb,omitempty"`
	// IsTombstoned is set for a deleted stream, and for the metastream of a
	// deleted stream.
	IsTombstoned    bool  `msgpack:"tombstoned,omitempty"`
	LastEventNumber int64 `msgpack:"last"`
	// DiscardPoint is the lowest event number that is kept.
	DiscardPoint int64 `msgpack:"discard_point"`
}

func newStreamData() StreamData {
	return StreamData{LastEventNumber: core.EventNumberNoStream}
}

// calculateDiscardPoint never passes the last event of a live stream.
func calculateDiscardPoint(d StreamData, metastream bool) int64 {
	if d.IsTombstoned {
		return core.EventNumberDeletedStream
	}
	last := max(d.LastEventNumber, 0)
	if metastream {
		return last
	}
	dp := max(d.TruncateBefore, 0)
	if d.MaxCount > 0 && d.LastEventNumber >= 0 {
		dp = max(dp, d.LastEventNumber-d.MaxCount+1)
	}
	return min(dp, last)
}

// streamMaps binds the collision detector and the per-stream maps to one
// state transaction.
type streamMaps struct {
	hasher   core.Hasher
	detector *CollisionDetector
	streams  *CollisionMap[StreamData]
	metas    *CollisionMap[StreamData]
	logger   *slog.Logger
}

func openStreamMaps(tx Tx, hasher core.Hasher, logger *slog.Logger) *streamMaps {
	d := NewCollisionDetector(hasher, tx.Bucket(bucketHashes), tx.Bucket(bucketCollisions))
	return &streamMaps{
		hasher:   hasher,
		detector: d,
		streams:  NewCollisionMap[StreamData](hasher, d.IsCollision, tx.Bucket(bucketStreamsByHash), tx.Bucket(bucketStreamsByName)),
		metas:    NewCollisionMap[StreamData](hasher, d.IsCollision, tx.Bucket(bucketMetasByHash), tx.Bucket(bucketMetasByName)),
		logger:   logger,
	}
}

func (m *streamMaps) mapFor(stream string) *CollisionMap[StreamData] {
	if core.IsMetastream(stream) {
		return m.metas
	}
	return m.streams
}

func (m *streamMaps) get(stream string) (StreamData, error) {
	d, ok, err := m.mapFor(stream).TryGet(stream)
	if err != nil {
		return d, err
	}
	if !ok {
		return newStreamData(), nil
	}
	return d, nil
}

func (m *streamMaps) set(stream string, d StreamData) error {
	return m.mapFor(stream).Set(stream, d)
}

// register runs stream through the collision detector. When it turns out to
// collide, the entry stored under the shared hash moves to the by-name side.
func (m *streamMaps) register(stream string) error {
	res, err := m.detector.Add(stream)
	if err != nil || !res.NewCollision {
		return err
	}
	h := m.hasher.Hash(stream)
	m.logger.Info("Hash collision detected.", "stream", stream, "other", res.Other, "hash", h)
	return m.mapFor(res.Other).MoveToCollision(h, res.Other)
}

// accumulate folds one record into the stream maps.
func (m *streamMaps) accumulate(rec logrecord.LogRecord) error {
	p, ok := rec.(*logrecord.Prepare)
	if !ok || (!p.Flags.Has(logrecord.FlagData) && !p.IsTombstone()) {
		return nil
	}
	stream := p.EventStreamID
	if err := m.register(stream); err != nil {
		return err
	}
	d, err := m.get(stream)
	if err != nil {
		return err
	}

	if p.IsTombstone() {
		d.IsTombstoned = true
		if err := m.set(stream, d); err != nil {
			return err
		}
		if core.IsMetastream(stream) {
			return nil
		}
		meta := core.MetastreamOf(stream)
		if err := m.register(meta); err != nil {
			return err
		}
		md, err := m.get(meta)
		if err != nil {
			return err
		}
		md.IsTombstoned = true
		return m.set(meta, md)
	}

	// Events of explicit transactions get their number from the commit. They
	// are left out here, which only makes the discard points more conservative.
	if !p.Flags.Has(logrecord.FlagIsCommitted) {
		return nil
	}
	if n := p.EventNumber(); n > d.LastEventNumber {
		d.LastEventNumber = n
	}
	if err := m.set(stream, d); err != nil {
		return err
	}
	if !core.IsMetastream(stream) {
		return nil
	}

	original := core.OriginalStreamOf(stream)
	if err := m.register(original); err != nil {
		return err
	}
	od, err := m.get(original)
	if err != nil {
		return err
	}
	meta, err := readindex.ParseMetadata(p.Data)
	if err != nil {
		m.logger.Warn("Ignoring invalid stream metadata.", "stream", original, "position", p.LogPosition, "error", err)
		meta = readindex.StreamMetadata{}
	}
	od.MaxCount, od.MaxAge, od.TruncateBefore = 0, 0, 0
	if meta.MaxCount != nil {
		od.MaxCount = *meta.MaxCount
	}
	if meta.MaxAge != nil {
		od.MaxAge = *meta.MaxAge
	}
	if meta.TruncateBefore != nil {
		od.TruncateBefore = *meta.TruncateBefore
	}
	return m.set(original, od)
}

// calculate stores the discard point of every stream.
func (m *streamMaps) calculate() error {
	for _, cm := range []*CollisionMap[StreamData]{m.streams, m.metas} {
		type pending struct {
			h StreamHandle
			d StreamData
		}
		var updates []pending
		metastream := cm == m.metas
		err := cm.Enumerate(func(h StreamHandle, d StreamData) error {
			d.DiscardPoint = calculateDiscardPoint(d, metastream)
			updates = append(updates, pending{h: h, d: d})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := cm.SetByHandle(u.h, u.d); err != nil {
				return fmt.Errorf("failed to store discard point for %s: %w", u.h, err)
			}
		}
	}
	return nil
}

// discardable decides whether rec can be dropped from its chunk. Commits,
// tombstones and events of explicit transactions of live streams are always kept.
func (m *streamMaps) discardable(rec logrecord.LogRecord, now time.Time) (bool, error) {
	p, ok := rec.(*logrecord.Prepare)
	if !ok || p.IsTombstone() {
		return false, nil
	}
	if !p.Flags.Has(logrecord.FlagData) {
		return false, nil
	}
	d, found, err := m.mapFor(p.EventStreamID).TryGet(p.EventStreamID)
	if err != nil || !found {
		return false, err
	}
	if d.IsTombstoned {
		return true, nil
	}
	if !p.Flags.Has(logrecord.FlagIsCommitted) {
		return false, nil
	}
	n := p.EventNumber()
	if n < d.DiscardPoint {
		return true, nil
	}
	if d.MaxAge > 0 && n < d.LastEventNumber && p.Time().Before(now.Add(-d.MaxAge)) {
		return true, nil
	}
	return false, nil
}
