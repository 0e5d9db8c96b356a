// Package readindex indexes committed events and serves stream and log reads
// on top of the table index.
package readindex

import (
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/INLOpen/eventcore/cache"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/tableindex"
	"github.com/INLOpen/eventcore/tlog"
)

// ReadResult is the outcome class of a stream read.
type ReadResult int

const (
	ResultSuccess ReadResult = iota
	ResultNotFound
	ResultNoStream
	ResultStreamDeleted
)

func (r ReadResult) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultNotFound:
		return "NotFound"
	case ResultNoStream:
		return "NoStream"
	case ResultStreamDeleted:
		return "StreamDeleted"
	default:
		return fmt.Sprintf("ReadResult(%d)", int(r))
	}
}

// EventResult is the outcome of ReadEvent.
type EventResult struct {
	Result ReadResult
	Event  *logrecord.Prepare
}

// StreamSlice is the outcome of a stream range read.
type StreamSlice struct {
	Result          ReadResult
	Events          []*logrecord.Prepare
	FromEventNumber int64
	NextEventNumber int64
	LastEventNumber int64
	IsEndOfStream   bool
}

const (
	DefaultStreamInfoCacheSize = 100_000
	// bytesPerCacheEntry is the budget accounting unit of the stream caches.
	bytesPerCacheEntry = 256
)

// ReaderOptions configures an IndexReader.
type ReaderOptions struct {
	StreamInfoCacheSize int
	// Resizer, when set, manages the capacity of the stream caches.
	Resizer *cache.Resizer
	// CacheWeights are the resizer weights of the "LastEventNumbers" and
	// "StreamMetadata" caches. Missing names weigh 1.
	CacheWeights map[string]int
	// Now is used by $maxAge; nil means time.Now.
	Now    func() time.Time
	Logger *slog.Logger

	CacheHits   *expvar.Int
	CacheMisses *expvar.Int
}

// IndexReader answers stream reads from the table index, resolving hash
// collisions by reading the prepares the index points at.
type IndexReader struct {
	db     *tlog.DB
	index  *tableindex.TableIndex
	now    func() time.Time
	logger *slog.Logger

	lastEventNumbers *cache.LRUCache
	metadata         *cache.LRUCache
}

func NewIndexReader(db *tlog.DB, index *tableindex.TableIndex, opts ReaderOptions) *IndexReader {
	if opts.StreamInfoCacheSize <= 0 {
		opts.StreamInfoCacheSize = DefaultStreamInfoCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "IndexReader_default")
	} else {
		opts.Logger = opts.Logger.With("component", "IndexReader")
	}
	r := &IndexReader{
		db:               db,
		index:            index,
		now:              opts.Now,
		logger:           opts.Logger,
		lastEventNumbers: cache.NewLRUCache(opts.StreamInfoCacheSize, nil, nil, nil),
		metadata:         cache.NewLRUCache(opts.StreamInfoCacheSize, nil, nil, nil),
	}
	r.lastEventNumbers.SetMetrics(opts.CacheHits, opts.CacheMisses)
	r.metadata.SetMetrics(opts.CacheHits, opts.CacheMisses)
	if opts.Resizer != nil {
		minBytes := int64(1000 * bytesPerCacheEntry)
		weight := func(name string) int {
			if w, ok := opts.CacheWeights[name]; ok && w > 0 {
				return w
			}
			return 1
		}
		opts.Resizer.Register(cache.NewLRUParticipant("LastEventNumbers", weight("LastEventNumbers"), minBytes, bytesPerCacheEntry, r.lastEventNumbers))
		opts.Resizer.Register(cache.NewLRUParticipant("StreamMetadata", weight("StreamMetadata"), minBytes, bytesPerCacheEntry, r.metadata))
	}
	return r
}

// invalidate drops cached information about stream after new events were indexed.
func (r *IndexReader) invalidate(stream string) {
	r.lastEventNumbers.Remove(stream)
	if core.IsMetastream(stream) {
		r.metadata.Remove(core.OriginalStreamOf(stream))
	}
}

// readPrepareFor reads the prepare at pos and reports whether it belongs to stream.
func (r *IndexReader) readPrepareFor(stream string, pos int64) (*logrecord.Prepare, bool, error) {
	p, ok, err := r.db.ReadPrepare(pos)
	if err != nil || !ok {
		return nil, false, err
	}
	return p, p.EventStreamID == stream, nil
}

// entriesFor returns the entries of stream with versions in [start, end],
// newest first, dropping entries of colliding streams.
func (r *IndexReader) entriesFor(stream string, start, end int64) ([]core.IndexEntry, map[int64]*logrecord.Prepare, error) {
	all, err := r.index.GetRange(r.index.Hash(stream), start, end, 0)
	if err != nil {
		return nil, nil, err
	}
	out := all[:0]
	prepares := make(map[int64]*logrecord.Prepare, len(all))
	for _, e := range all {
		p, mine, err := r.readPrepareFor(stream, e.Position)
		if err != nil {
			return nil, nil, err
		}
		if !mine {
			continue
		}
		prepares[e.Position] = p
		out = append(out, e)
	}
	return out, prepares, nil
}

// GetStreamLastEventNumber returns the last event number of stream,
// core.EventNumberNoStream when it has no events and core.EventNumberDeletedStream
// once it is deleted. A metastream reports deleted when its stream is.
func (r *IndexReader) GetStreamLastEventNumber(stream string) (int64, error) {
	if core.IsMetastream(stream) {
		orig, err := r.GetStreamLastEventNumber(core.OriginalStreamOf(stream))
		if err != nil {
			return 0, err
		}
		if orig == core.EventNumberDeletedStream {
			return core.EventNumberDeletedStream, nil
		}
	}
	if v, ok := r.lastEventNumbers.Get(stream); ok {
		return v.(int64), nil
	}
	last, err := r.lastEventNumberUncached(stream)
	if err != nil {
		return 0, err
	}
	r.lastEventNumbers.Put(stream, last)
	return last, nil
}

func (r *IndexReader) lastEventNumberUncached(stream string) (int64, error) {
	h := r.index.Hash(stream)
	latest, ok, err := r.index.TryGetLatestEntry(h)
	if err != nil {
		return 0, err
	}
	if !ok {
		return core.EventNumberNoStream, nil
	}
	_, mine, err := r.readPrepareFor(stream, latest.Position)
	if err != nil {
		return 0, err
	}
	if mine {
		return latest.Version, nil
	}
	// Collision: walk every entry of the hash, newest first.
	entries, _, err := r.entriesFor(stream, 0, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return core.EventNumberNoStream, nil
	}
	return entries[0].Version, nil
}

// GetStreamMetadata returns the metadata of stream, read from the last event of
// its metastream. Invalid metadata is logged and treated as empty.
func (r *IndexReader) GetStreamMetadata(stream string) (StreamMetadata, error) {
	if core.IsMetastream(stream) {
		return StreamMetadata{}, nil
	}
	if v, ok := r.metadata.Get(stream); ok {
		return v.(StreamMetadata), nil
	}
	meta := core.MetastreamOf(stream)
	last, err := r.GetStreamLastEventNumber(meta)
	if err != nil {
		return StreamMetadata{}, err
	}
	var md StreamMetadata
	if last >= 0 && last != core.EventNumberDeletedStream {
		p, err := r.findEvent(meta, last)
		if err != nil {
			return StreamMetadata{}, err
		}
		if p != nil {
			if md, err = ParseMetadata(p.Data); err != nil {
				r.logger.Warn("Ignoring invalid stream metadata.", "stream", stream, "event_number", last, "error", err)
				md = StreamMetadata{Raw: p.Data}
			}
		}
	}
	r.metadata.Put(stream, md)
	return md, nil
}

// findEvent returns the prepare of stream at eventNumber, or nil.
func (r *IndexReader) findEvent(stream string, eventNumber int64) (*logrecord.Prepare, error) {
	h := r.index.Hash(stream)
	pos, ok, err := r.index.TryGetOneValue(h, eventNumber)
	if err != nil || !ok {
		return nil, err
	}
	p, mine, err := r.readPrepareFor(stream, pos)
	if err != nil {
		return nil, err
	}
	if mine {
		return p, nil
	}
	entries, prepares, err := r.entriesFor(stream, eventNumber, eventNumber)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return prepares[entries[0].Position], nil
}

// streamState resolves the last event number and the effective metadata of a
// stream. Metastreams are not subject to metadata.
func (r *IndexReader) streamState(stream string) (int64, StreamMetadata, error) {
	last, err := r.GetStreamLastEventNumber(stream)
	if err != nil {
		return 0, StreamMetadata{}, err
	}
	md, err := r.GetStreamMetadata(stream)
	if err != nil {
		return 0, StreamMetadata{}, err
	}
	return last, md, nil
}

// ReadEvent reads one event. An eventNumber of -1 reads the last event.
func (r *IndexReader) ReadEvent(stream string, eventNumber int64) (EventResult, error) {
	if eventNumber < -1 {
		return EventResult{}, fmt.Errorf("invalid event number %d", eventNumber)
	}
	last, md, err := r.streamState(stream)
	if err != nil {
		return EventResult{}, err
	}
	switch {
	case last == core.EventNumberDeletedStream:
		return EventResult{Result: ResultStreamDeleted}, nil
	case last == core.EventNumberNoStream:
		return EventResult{Result: ResultNoStream}, nil
	}
	if eventNumber == -1 {
		eventNumber = last
	}
	if eventNumber < md.MinVisibleEventNumber(last) || eventNumber > last {
		return EventResult{Result: ResultNotFound}, nil
	}
	p, err := r.findEvent(stream, eventNumber)
	if err != nil {
		return EventResult{}, err
	}
	if p == nil || md.Expired(p.Time(), r.now()) {
		return EventResult{Result: ResultNotFound}, nil
	}
	return EventResult{Result: ResultSuccess, Event: p}, nil
}

// ReadStreamEventsForward reads up to maxCount events with numbers from
// fromEventNumber upward.
func (r *IndexReader) ReadStreamEventsForward(stream string, fromEventNumber int64, maxCount int) (StreamSlice, error) {
	if fromEventNumber < 0 || maxCount <= 0 {
		return StreamSlice{}, fmt.Errorf("invalid forward read from %d count %d", fromEventNumber, maxCount)
	}
	last, md, err := r.streamState(stream)
	if err != nil {
		return StreamSlice{}, err
	}
	slice := StreamSlice{FromEventNumber: fromEventNumber, LastEventNumber: last}
	switch last {
	case core.EventNumberDeletedStream:
		slice.Result, slice.IsEndOfStream = ResultStreamDeleted, true
		return slice, nil
	case core.EventNumberNoStream:
		slice.Result, slice.IsEndOfStream, slice.NextEventNumber = ResultNoStream, true, -1
		return slice, nil
	}

	start := max(fromEventNumber, md.MinVisibleEventNumber(last))
	end := min(fromEventNumber+int64(maxCount)-1, last)
	slice.Result = ResultSuccess
	slice.NextEventNumber = min(end+1, last+1)
	slice.IsEndOfStream = end >= last
	if start > end {
		slice.NextEventNumber = max(start, fromEventNumber)
		if slice.NextEventNumber > last {
			slice.NextEventNumber = last + 1
		}
		return slice, nil
	}
	entries, prepares, err := r.entriesFor(stream, start, end)
	if err != nil {
		return StreamSlice{}, err
	}
	now := r.now()
	seen := make(map[int64]bool, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if seen[e.Version] {
			continue
		}
		seen[e.Version] = true
		p := prepares[e.Position]
		if md.Expired(p.Time(), now) {
			continue
		}
		slice.Events = append(slice.Events, p)
	}
	return slice, nil
}

// ReadStreamEventsBackward reads up to maxCount events with numbers from
// fromEventNumber downward. A fromEventNumber of -1 starts at the last event.
func (r *IndexReader) ReadStreamEventsBackward(stream string, fromEventNumber int64, maxCount int) (StreamSlice, error) {
	if fromEventNumber < -1 || maxCount <= 0 {
		return StreamSlice{}, fmt.Errorf("invalid backward read from %d count %d", fromEventNumber, maxCount)
	}
	last, md, err := r.streamState(stream)
	if err != nil {
		return StreamSlice{}, err
	}
	slice := StreamSlice{FromEventNumber: fromEventNumber, LastEventNumber: last}
	switch last {
	case core.EventNumberDeletedStream:
		slice.Result, slice.IsEndOfStream = ResultStreamDeleted, true
		return slice, nil
	case core.EventNumberNoStream:
		slice.Result, slice.IsEndOfStream, slice.NextEventNumber = ResultNoStream, true, -1
		return slice, nil
	}
	if fromEventNumber == -1 || fromEventNumber > last {
		fromEventNumber = last
	}
	minVisible := md.MinVisibleEventNumber(last)
	end := fromEventNumber
	start := max(end-int64(maxCount)+1, minVisible)
	slice.Result = ResultSuccess
	slice.NextEventNumber = start - 1
	slice.IsEndOfStream = start <= minVisible
	if start > end {
		slice.NextEventNumber, slice.IsEndOfStream = -1, true
		return slice, nil
	}
	entries, prepares, err := r.entriesFor(stream, start, end)
	if err != nil {
		return StreamSlice{}, err
	}
	now := r.now()
	seen := make(map[int64]bool, len(entries))
	for _, e := range entries {
		if seen[e.Version] {
			continue
		}
		seen[e.Version] = true
		p := prepares[e.Position]
		if md.Expired(p.Time(), now) {
			continue
		}
		slice.Events = append(slice.Events, p)
	}
	if slice.IsEndOfStream {
		slice.NextEventNumber = -1
	}
	return slice, nil
}
