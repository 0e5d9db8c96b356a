package scavenge

import (
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/sys"
	"github.com/INLOpen/eventcore/tableindex"
	"github.com/INLOpen/eventcore/tlog"
	"github.com/RoaringBitmap/roaring"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Phase is a step of a scavenge run. A run moves through the phases in order
// and records the current one in its checkpoint.
type Phase int

const (
	PhaseAccumulation Phase = iota
	PhaseCalculation
	PhaseChunkExecution
	PhaseChunkMerging
	PhaseIndexExecution
	PhaseCleaning
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAccumulation:
		return "Accumulation"
	case PhaseCalculation:
		return "Calculation"
	case PhaseChunkExecution:
		return "ChunkExecution"
	case PhaseChunkMerging:
		return "ChunkMerging"
	case PhaseIndexExecution:
		return "IndexExecution"
	case PhaseCleaning:
		return "Cleaning"
	case PhaseDone:
		return "Done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

type Options struct {
	// Threshold is the fraction of discardable records a chunk needs before it
	// is rewritten. Chunks without discardable records are never rewritten.
	Threshold float64
	// MaxRecordsPerSecond throttles chunk execution. Zero means unthrottled.
	MaxRecordsPerSecond float64
	// MergeChunks merges runs of small adjacent chunks after execution.
	MergeChunks bool
	// Hasher must match the table index. Defaults to the index's hasher.
	Hasher    core.Hasher
	Now       func() time.Time
	Publisher bus.Publisher
	Tracer    trace.Tracer
	Logger    *slog.Logger

	RecordsDiscarded *expvar.Int
	ChunksScavenged  *expvar.Int
}

// Result summarises what one Run changed.
type Result struct {
	RunID               string
	ChunksScavenged     int
	ChunksMerged        int
	RecordsDiscarded    int64
	SpaceSaved          int64
	IndexEntriesRemoved int64
	Elapsed             time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("chunks scavenged %d, chunks merged %d, records discarded %d, space saved %d bytes, index entries removed %d in %s",
		r.ChunksScavenged, r.ChunksMerged, r.RecordsDiscarded, r.SpaceSaved, r.IndexEntriesRemoved, r.Elapsed)
}

type chunkWeight struct {
	Discardable int64 `msgpack:"discardable"`
	Total       int64 `msgpack:"total"`
}

type executedChunk struct {
	End       int32 `msgpack:"end"`
	Discarded int64 `msgpack:"discarded"`
	Saved     int64 `msgpack:"saved"`
}

// Scavenger removes records that metadata, tombstones or $maxAge made
// unreachable, from chunks and from the table index. Only completed chunks
// before the scavenge point, fixed when a run starts, are touched.
type Scavenger struct {
	db      *tlog.DB
	index   *tableindex.TableIndex
	state   State
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	progress atomic.Pointer[checkpoint]
}

func New(db *tlog.DB, index *tableindex.TableIndex, state State, opts Options) *Scavenger {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Scavenger_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Scavenger")
	}
	if opts.Hasher == nil {
		opts.Hasher = core.HasherFunc(index.Hash)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = db.Publisher()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("eventcore/scavenge")
	}
	s := &Scavenger{db: db, index: index, state: state, opts: opts, logger: opts.Logger}
	if opts.MaxRecordsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxRecordsPerSecond), max(1, int(opts.MaxRecordsPerSecond)))
	}
	return s
}

// Progress returns the run id and phase of the current or last run.
func (s *Scavenger) Progress() (string, Phase, bool) {
	cp := s.progress.Load()
	if cp == nil {
		return "", 0, false
	}
	return cp.RunID, cp.Phase, true
}

func (s *Scavenger) publish(msg bus.Message) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(msg)
	}
}

// Run executes a scavenge, resuming an interrupted run when the state holds one.
// A cancelled run leaves every chunk and table as it was before the step in
// progress and resumes from its checkpoint next time.
func (s *Scavenger) Run(ctx context.Context) (res Result, err error) {
	started := time.Now()
	cp, err := s.begin()
	if err != nil {
		return res, err
	}
	res.RunID = cp.RunID
	s.publish(bus.ScavengeStarted{ScavengeID: cp.RunID})
	defer func() {
		res.Elapsed = time.Since(started)
		outcome := "Success"
		switch {
		case errors.Is(err, core.ErrCancelled):
			outcome = "Stopped"
		case err != nil:
			outcome = "Failed"
		}
		s.logger.Info("Scavenge finished.", "run_id", cp.RunID, "outcome", outcome, "result", res.String(), "error", err)
		s.publish(bus.ScavengeCompleted{ScavengeID: cp.RunID, Result: outcome, Err: err})
	}()

	for cp.Phase != PhaseDone {
		if err := ctx.Err(); err != nil {
			return res, core.Cancelled(err)
		}
		if err := s.runPhase(ctx, &cp, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Scavenger) begin() (checkpoint, error) {
	var cp checkpoint
	var found bool
	err := s.state.View(func(tx Tx) error {
		var err error
		cp, found, err = readCheckpoint(tx)
		return err
	})
	if err != nil {
		return cp, fmt.Errorf("failed to read scavenge checkpoint: %w", err)
	}
	if found && cp.Phase != PhaseDone {
		s.logger.Info("Resuming scavenge.", "run_id", cp.RunID, "phase", cp.Phase, "next", cp.Next, "scavenge_point", cp.ScavengePoint)
		s.progress.Store(&cp)
		return cp, nil
	}

	var point int32
	if last := s.db.Manager.LastChunk(); last != nil {
		point = last.StartNumber()
	}
	cp = checkpoint{RunID: uuid.NewString(), Phase: PhaseAccumulation, ScavengePoint: point, Now: s.opts.Now().UnixNano()}
	if err := s.state.Update(func(tx Tx) error { return writeCheckpoint(tx, cp) }); err != nil {
		return cp, fmt.Errorf("failed to write scavenge checkpoint: %w", err)
	}
	s.logger.Info("Scavenge started.", "run_id", cp.RunID, "scavenge_point", point)
	s.progress.Store(&cp)
	return cp, nil
}

func (s *Scavenger) runPhase(ctx context.Context, cp *checkpoint, res *Result) error {
	ctx, span := s.opts.Tracer.Start(ctx, "Scavenge."+cp.Phase.String())
	defer span.End()
	span.SetAttributes(attribute.String("scavenge.run_id", cp.RunID), attribute.Int("scavenge.point", int(cp.ScavengePoint)))

	var err error
	next := cp.Phase + 1
	switch cp.Phase {
	case PhaseAccumulation:
		err = s.accumulate(ctx, cp)
	case PhaseCalculation:
		err = s.calculate(ctx, cp)
	case PhaseChunkExecution:
		err = s.executeChunks(ctx, cp, res)
		if !s.opts.MergeChunks {
			next = PhaseIndexExecution
		}
	case PhaseChunkMerging:
		err = s.mergeChunks(ctx, cp, res)
	case PhaseIndexExecution:
		err = s.executeIndex(ctx, cp, res)
	case PhaseCleaning:
		err = s.clean(cp)
		next = PhaseDone
	default:
		err = fmt.Errorf("unknown scavenge phase %d", int(cp.Phase))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scavenge phase failed")
		return fmt.Errorf("scavenge %s phase: %w", cp.Phase, err)
	}
	if next == PhaseDone {
		return nil
	}
	return s.advance(cp, func(c *checkpoint) { c.Phase, c.Next = next, 0 }, nil)
}

// advance changes the checkpoint and applies extra state changes in one transaction.
func (s *Scavenger) advance(cp *checkpoint, change func(*checkpoint), extra func(Tx) error) error {
	next := *cp
	change(&next)
	err := s.state.Update(func(tx Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return writeCheckpoint(tx, next)
	})
	if err != nil {
		return err
	}
	*cp = next
	s.progress.Store(&next)
	return nil
}

// chunks returns the distinct chunks ending at or after from and before the
// scavenge point.
func (s *Scavenger) chunks(from, point int32) []*chunk.Chunk {
	var out []*chunk.Chunk
	for _, c := range s.db.Manager.Chunks() {
		if c.EndNumber() >= from && c.EndNumber() < point {
			out = append(out, c)
		}
	}
	return out
}

func forEachRecord(ctx context.Context, c *chunk.Chunk, fn func(logrecord.LogRecord) error) error {
	var pos int64
	for {
		if err := ctx.Err(); err != nil {
			return core.Cancelled(err)
		}
		res, err := c.TryReadClosestForward(pos)
		if err != nil {
			return fmt.Errorf("failed to read chunk %d at %d: %w", c.StartNumber(), pos, err)
		}
		if !res.Success {
			return nil
		}
		if err := fn(res.Record); err != nil {
			return err
		}
		pos = res.NextPosition
	}
}

func (s *Scavenger) accumulate(ctx context.Context, cp *checkpoint) error {
	for _, c := range s.chunks(cp.Next, cp.ScavengePoint) {
		end := c.EndNumber()
		err := s.advance(cp, func(n *checkpoint) { n.Next = end + 1 }, func(tx Tx) error {
			maps := openStreamMaps(tx, s.opts.Hasher, s.logger)
			return forEachRecord(ctx, c, maps.accumulate)
		})
		if err != nil {
			return err
		}
		s.logger.Debug("Chunk accumulated.", "start", c.StartNumber(), "end", end)
	}
	return nil
}

func (s *Scavenger) calculate(ctx context.Context, cp *checkpoint) error {
	now := time.Unix(0, cp.Now)
	return s.state.Update(func(tx Tx) error {
		maps := openStreamMaps(tx, s.opts.Hasher, s.logger)
		if err := maps.calculate(); err != nil {
			return err
		}
		weights := tx.Bucket(bucketChunkWeights)
		for _, c := range s.chunks(0, cp.ScavengePoint) {
			if c.IsRemote() {
				continue
			}
			var w chunkWeight
			err := forEachRecord(ctx, c, func(rec logrecord.LogRecord) error {
				w.Total++
				drop, err := maps.discardable(rec, now)
				if drop {
					w.Discardable++
				}
				return err
			})
			if err != nil {
				return err
			}
			if w.Discardable == 0 {
				continue
			}
			if err := putValue(weights, int32Key(c.StartNumber()), w); err != nil {
				return err
			}
		}
		return nil
	})
}

// chunksToExecute returns the start numbers of chunks whose weight passes the
// threshold and that this run has not rewritten yet.
func (s *Scavenger) chunksToExecute() (*roaring.Bitmap, error) {
	out := roaring.New()
	err := s.state.View(func(tx Tx) error {
		executed := tx.Bucket(bucketChunksExecuted)
		return tx.Bucket(bucketChunkWeights).ForEach(func(k, raw []byte) error {
			w, err := decodeValue[chunkWeight](k, raw)
			if err != nil {
				return err
			}
			if w.Discardable == 0 || float64(w.Discardable)/float64(w.Total) < s.opts.Threshold {
				return nil
			}
			if executed.Get(k) == nil {
				out.Add(binary.BigEndian.Uint32(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *Scavenger) executeChunks(ctx context.Context, cp *checkpoint, res *Result) error {
	selected, err := s.chunksToExecute()
	if err != nil {
		return err
	}
	s.logger.Info("Executing chunks.", "run_id", cp.RunID, "chunks", selected.GetCardinality())
	now := time.Unix(0, cp.Now)
	for _, c := range s.chunks(cp.Next, cp.ScavengePoint) {
		start, end := c.StartNumber(), c.EndNumber()
		var done executedChunk
		if selected.Contains(uint32(start)) && !c.IsRemote() {
			if done, err = s.executeChunk(ctx, c, now); err != nil {
				return err
			}
		}
		err := s.advance(cp, func(n *checkpoint) { n.Next = end + 1 }, func(tx Tx) error {
			if done.Discarded == 0 {
				return nil
			}
			return putValue(tx.Bucket(bucketChunksExecuted), int32Key(start), done)
		})
		if err != nil {
			return err
		}
		if done.Discarded > 0 {
			res.ChunksScavenged++
			res.RecordsDiscarded += done.Discarded
			res.SpaceSaved += done.Saved
			if s.opts.ChunksScavenged != nil {
				s.opts.ChunksScavenged.Add(1)
			}
			if s.opts.RecordsDiscarded != nil {
				s.opts.RecordsDiscarded.Add(done.Discarded)
			}
		}
	}
	return nil
}

// executeChunk writes the kept records of c into a new scavenged chunk and
// switches it in. The temporary chunk is deleted when anything fails.
func (s *Scavenger) executeChunk(ctx context.Context, c *chunk.Chunk, now time.Time) (executedChunk, error) {
	out := executedChunk{End: c.EndNumber()}
	tmp, err := chunk.CreateNew(s.db.Manager.Naming().TempFilename(), s.db.ChunkSize(), c.StartNumber(), c.EndNumber(), true, s.db.Manager.ChunkOptions())
	if err != nil {
		return out, err
	}
	switched := false
	defer func() {
		if !switched {
			tmp.Abort(true)
		}
	}()

	err = s.state.View(func(tx Tx) error {
		maps := openStreamMaps(tx, s.opts.Hasher, s.logger)
		return forEachRecord(ctx, c, func(rec logrecord.LogRecord) error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return core.Cancelled(ctx.Err())
					}
					return err
				}
			}
			drop, err := maps.discardable(rec, now)
			if err != nil {
				return err
			}
			if drop {
				out.Discarded++
				return nil
			}
			res, err := tmp.TryAppend(rec)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("record at %d does not fit scavenged chunk %d-%d", rec.Position(), c.StartNumber(), c.EndNumber())
			}
			return nil
		})
	})
	if err != nil {
		return executedChunk{End: c.EndNumber()}, err
	}
	if out.Discarded == 0 {
		return out, nil
	}
	if err := tmp.CompleteScavenge(c.LogicalDataSize()); err != nil {
		return executedChunk{End: c.EndNumber()}, err
	}
	oldSize := c.FileSize()
	if _, err := s.db.Manager.SwitchChunk(tmp, false); err != nil {
		return executedChunk{End: c.EndNumber()}, err
	}
	switched = true
	out.Saved = oldSize - tmp.FileSize()
	s.logger.Info("Chunk scavenged.", "start", c.StartNumber(), "end", c.EndNumber(), "discarded", out.Discarded, "saved", out.Saved)
	return out, nil
}

// mergeChunks merges runs of adjacent local chunks whose data fits one chunk.
func (s *Scavenger) mergeChunks(ctx context.Context, cp *checkpoint, res *Result) error {
	chunkSize := int64(s.db.ChunkSize())
	var group []*chunk.Chunk
	var size int64
	flush := func() error {
		defer func() { group, size = nil, 0 }()
		if len(group) < 2 {
			return nil
		}
		if err := s.mergeGroup(ctx, group); err != nil {
			return err
		}
		res.ChunksMerged += len(group)
		end := group[len(group)-1].EndNumber()
		return s.advance(cp, func(n *checkpoint) { n.Next = end + 1 }, nil)
	}
	for _, c := range s.chunks(cp.Next, cp.ScavengePoint) {
		if c.IsRemote() {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if len(group) > 0 && size+c.PhysicalDataSize() > chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
		group = append(group, c)
		size += c.PhysicalDataSize()
	}
	return flush()
}

func (s *Scavenger) mergeGroup(ctx context.Context, group []*chunk.Chunk) error {
	first, last := group[0], group[len(group)-1]
	tmp, err := chunk.CreateNew(s.db.Manager.Naming().TempFilename(), s.db.ChunkSize(), first.StartNumber(), last.EndNumber(), true, s.db.Manager.ChunkOptions())
	if err != nil {
		return err
	}
	switched := false
	defer func() {
		if !switched {
			tmp.Abort(true)
		}
	}()
	for _, c := range group {
		err := forEachRecord(ctx, c, func(rec logrecord.LogRecord) error {
			res, err := tmp.TryAppend(rec)
			if err == nil && !res.Success {
				err = fmt.Errorf("record at %d does not fit merged chunk %d-%d", rec.Position(), first.StartNumber(), last.EndNumber())
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	logical := last.ChunkStartPosition() + last.LogicalDataSize() - first.ChunkStartPosition()
	if err := tmp.CompleteScavenge(logical); err != nil {
		return err
	}
	if _, err := s.db.Manager.SwitchChunk(tmp, false); err != nil {
		return err
	}
	switched = true
	s.logger.Info("Chunks merged.", "start", first.StartNumber(), "end", last.EndNumber(), "sources", len(group))
	return nil
}

// indexFilter is what index execution needs from the state, loaded up front.
type indexFilter struct {
	// tombstoned holds hashes of deleted streams that collide with nothing.
	tombstoned *roaring64.Bitmap
	// tombstonedNames holds deleted streams that collide, and namedHashes
	// their hashes.
	tombstonedNames map[string]bool
	namedHashes     *roaring64.Bitmap
	// narrow holds the 32-bit hashes V1 tables store for every deleted stream.
	narrow *roaring64.Bitmap
	// rewritten holds the chunk numbers covered by chunks this run rewrote.
	rewritten *roaring.Bitmap
	// limit is the first log position after the scavenge point.
	limit int64
}

func newIndexFilter(limit int64) *indexFilter {
	return &indexFilter{
		tombstoned:      roaring64.New(),
		tombstonedNames: make(map[string]bool),
		namedHashes:     roaring64.New(),
		narrow:          roaring64.New(),
		rewritten:       roaring.New(),
		limit:           limit,
	}
}

func (f *indexFilter) addTombstonedHash(hash uint64) {
	f.tombstoned.Add(hash)
	f.narrow.Add(core.LowHash(hash))
}

func (f *indexFilter) addTombstonedName(stream string, hash uint64) {
	f.tombstonedNames[stream] = true
	f.namedHashes.Add(hash)
	f.narrow.Add(core.LowHash(hash))
}

func (s *Scavenger) loadIndexFilter(cp *checkpoint) (*indexFilter, error) {
	f := newIndexFilter(int64(cp.ScavengePoint) * int64(s.db.ChunkSize()))
	err := s.state.View(func(tx Tx) error {
		maps := openStreamMaps(tx, s.opts.Hasher, s.logger)
		for _, cm := range []*CollisionMap[StreamData]{maps.streams, maps.metas} {
			err := cm.Enumerate(func(h StreamHandle, d StreamData) error {
				switch {
				case !d.IsTombstoned:
				case h.IsHash:
					f.addTombstonedHash(h.Hash)
				default:
					f.addTombstonedName(h.Stream, s.opts.Hasher.Hash(h.Stream))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return tx.Bucket(bucketChunksExecuted).ForEach(func(k, raw []byte) error {
			e, err := decodeValue[executedChunk](k, raw)
			if err != nil {
				return err
			}
			f.rewritten.AddRange(uint64(binary.BigEndian.Uint32(k)), uint64(e.End)+1)
			return nil
		})
	})
	return f, err
}

// indexKeep decides which index entries survive. Entries of V1 tables carry
// only the low half of the stream hash; when that half matches a deleted
// stream the prepare is read to recover the full hash.
func (s *Scavenger) indexKeep(f *indexFilter) func(core.IndexEntry) (bool, error) {
	chunkSize := int64(s.db.ChunkSize())
	return func(e core.IndexEntry) (bool, error) {
		if e.Position >= f.limit {
			return true, nil
		}
		if f.tombstoned.Contains(e.Stream) {
			return e.Version == core.EventNumberDeletedStream, nil
		}
		narrow := e.Stream <= math.MaxUint32 && f.narrow.Contains(e.Stream)
		if !narrow && !f.namedHashes.Contains(e.Stream) && !f.rewritten.Contains(uint32(e.Position/chunkSize)) {
			return true, nil
		}
		p, ok, err := s.db.ReadPrepare(e.Position)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if narrow && f.tombstoned.Contains(s.opts.Hasher.Hash(p.EventStreamID)) {
			return e.Version == core.EventNumberDeletedStream, nil
		}
		if f.tombstonedNames[p.EventStreamID] && !p.IsTombstone() {
			return false, nil
		}
		return true, nil
	}
}

func (s *Scavenger) executeIndex(ctx context.Context, cp *checkpoint, res *Result) error {
	f, err := s.loadIndexFilter(cp)
	if err != nil {
		return err
	}
	removed, err := s.index.Scavenge(ctx, s.indexKeep(f))
	if err != nil {
		return err
	}
	res.IndexEntriesRemoved += removed
	s.logger.Info("Index scavenged.", "run_id", cp.RunID, "removed", removed)
	return nil
}

// clean drops the per-run state and leftover temporary chunk files, then
// marks the run done.
func (s *Scavenger) clean(cp *checkpoint) error {
	temps, err := s.db.Manager.Naming().GetAllTempFiles()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, p := range temps {
		if err := sys.Remove(p); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove temp chunk %s: %w", p, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("Some temporary chunk files could not be removed.", "error", err)
	}
	return s.advance(cp, func(n *checkpoint) { n.Phase, n.Next = PhaseDone, 0 }, func(tx Tx) error {
		for _, name := range runBuckets {
			if err := tx.Drop(name); err != nil {
				return fmt.Errorf("failed to drop %s: %w", name, err)
			}
		}
		return nil
	})
}
