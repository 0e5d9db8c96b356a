// Package tableindex keeps the stream index: the newest entries in memtables,
// everything older in the tables of an IndexMap. Full memtables are converted
// to tables and merged in the background.
package tableindex

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/indexmap"
	"github.com/INLOpen/eventcore/memtable"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cenkalti/backoff/v4"
)

const DefaultMaxMemtableEntries = 1_000_000

// Options configures a TableIndex.
type Options struct {
	// Dir holds the tables and the manifest.
	Dir                string
	MaxMemtableEntries int
	Hasher             core.Hasher
	IndexMap           indexmap.Options
	// MaxFlushRetryInterval bounds the backoff between failed background conversions.
	MaxFlushRetryInterval time.Duration
	Logger                *slog.Logger

	EntriesAdded  *expvar.Int
	TablesWritten *expvar.Int
}

// TableIndex is safe for concurrent use by one writer and many readers.
type TableIndex struct {
	opts      Options
	logger    *slog.Logger
	hasher    core.Hasher
	filenames indexmap.FilenameProvider

	mu       sync.RWMutex
	active   *memtable.Memtable
	awaiting []*memtable.Memtable // newest first
	current  *indexmap.IndexMap

	// mapMu serializes map transitions: background conversion and scavenge.
	mapMu sync.Mutex

	kick    chan struct{}
	idle    *sync.Cond
	idleMu  sync.Mutex
	working bool
	bgErr   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *TableIndex {
	if opts.MaxMemtableEntries <= 0 {
		opts.MaxMemtableEntries = DefaultMaxMemtableEntries
	}
	if opts.Hasher == nil {
		opts.Hasher = core.StreamHasher{}
	}
	if opts.MaxFlushRetryInterval <= 0 {
		opts.MaxFlushRetryInterval = 30 * time.Second
	}
	if opts.IndexMap.Logger == nil {
		opts.IndexMap.Logger = opts.Logger
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "TableIndex_default")
	} else {
		opts.Logger = opts.Logger.With("component", "TableIndex")
	}
	ctx, cancel := context.WithCancel(context.Background())
	ti := &TableIndex{
		opts:      opts,
		logger:    opts.Logger,
		hasher:    opts.Hasher,
		filenames: indexmap.UUIDFilenames(opts.Dir),
		active:    memtable.New(opts.MaxMemtableEntries),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	ti.idle = sync.NewCond(&ti.idleMu)
	return ti
}

func (ti *TableIndex) manifestPath() string {
	return filepath.Join(ti.opts.Dir, core.IndexMapFileName)
}

// Hash maps a stream id to the hash stored in entries.
func (ti *TableIndex) Hash(stream string) uint64 { return ti.hasher.Hash(stream) }

// Initialize loads the manifest, removes files it does not reference and
// starts the background worker. A map claiming to cover positions past
// chaserCheckpoint does not belong to this log and fails with a
// CorruptIndexError; the caller may delete the index and rebuild it.
func (ti *TableIndex) Initialize(ctx context.Context, chaserCheckpoint int64) error {
	if err := os.MkdirAll(ti.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory %s: %w", ti.opts.Dir, err)
	}
	m, err := indexmap.FromFile(ctx, ti.manifestPath(), ti.opts.IndexMap)
	if err != nil {
		return err
	}
	if m.PrepareCheckpoint() > chaserCheckpoint || m.CommitCheckpoint() > chaserCheckpoint {
		m.Dispose()
		return &core.CorruptIndexError{Path: ti.manifestPath(), Position: m.CommitCheckpoint(),
			Err: fmt.Errorf("index map checkpoints %d/%d are ahead of the chaser checkpoint %d", m.PrepareCheckpoint(), m.CommitCheckpoint(), chaserCheckpoint)}
	}
	ti.removeOrphans(m)

	ti.mu.Lock()
	ti.current = m
	ti.mu.Unlock()

	ti.wg.Add(1)
	go ti.backgroundLoop()
	ti.logger.Info("Table index initialized.", "dir", ti.opts.Dir, "tables", m.TableCount(), "commit_checkpoint", m.CommitCheckpoint())
	return nil
}

// removeOrphans deletes table files left by an interrupted conversion, merge or scavenge.
func (ti *TableIndex) removeOrphans(m *indexmap.IndexMap) {
	live := map[string]bool{core.IndexMapFileName: true}
	for _, p := range m.GetAllFilenames() {
		live[filepath.Base(p)] = true
		live[filepath.Base(p)+core.BloomFilterSuffix] = true
	}
	entries, err := os.ReadDir(ti.opts.Dir)
	if err != nil {
		ti.logger.Warn("Failed to list index directory.", "dir", ti.opts.Dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || live[e.Name()] {
			continue
		}
		p := filepath.Join(ti.opts.Dir, e.Name())
		if err := sys.Remove(p); err != nil {
			ti.logger.Warn("Failed to remove orphaned index file.", "path", p, "error", err)
			continue
		}
		reason := "not in index map"
		if strings.HasSuffix(e.Name(), core.TempFileSuffix) {
			reason = "temporary file"
		}
		ti.logger.Info("Removed orphaned index file.", "path", p, "reason", reason)
	}
}

// PrepareCheckpoint is the highest prepare position indexed.
func (ti *TableIndex) PrepareCheckpoint() int64 {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return max(ti.active.PrepareCheckpoint(), ti.persistedLocked(func(m *memtable.Memtable) int64 { return m.PrepareCheckpoint() }, (*indexmap.IndexMap).PrepareCheckpoint))
}

// CommitCheckpoint is the highest commit position indexed.
func (ti *TableIndex) CommitCheckpoint() int64 {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return max(ti.active.CommitCheckpoint(), ti.persistedLocked(func(m *memtable.Memtable) int64 { return m.CommitCheckpoint() }, (*indexmap.IndexMap).CommitCheckpoint))
}

func (ti *TableIndex) persistedLocked(mem func(*memtable.Memtable) int64, mp func(*indexmap.IndexMap) int64) int64 {
	cp := int64(-1)
	if ti.current != nil {
		cp = mp(ti.current)
	}
	for _, a := range ti.awaiting {
		cp = max(cp, mem(a))
	}
	return cp
}

// Add indexes one event of stream.
func (ti *TableIndex) Add(commitPos int64, stream string, version, position int64) error {
	return ti.AddEntries(commitPos, []core.IndexEntry{{Stream: ti.Hash(stream), Version: version, Position: position}})
}

// AddEntries indexes the entries of one commit. Entries must carry hashed streams.
func (ti *TableIndex) AddEntries(commitPos int64, entries []core.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	prepare := int64(-1)
	for _, e := range entries {
		prepare = max(prepare, e.Position)
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.current == nil {
		return errors.New("table index is not initialized")
	}
	if err := ti.active.AddEntries(entries); err != nil {
		return err
	}
	ti.active.SetCheckpoints(prepare, commitPos)
	if ti.opts.EntriesAdded != nil {
		ti.opts.EntriesAdded.Add(int64(len(entries)))
	}
	if ti.active.IsFull() {
		ti.rotateLocked()
	}
	return nil
}

func (ti *TableIndex) rotateLocked() {
	if ti.active.Count() == 0 {
		return
	}
	ti.active.MarkForConversion()
	ti.awaiting = append([]*memtable.Memtable{ti.active}, ti.awaiting...)
	ti.active = memtable.New(ti.opts.MaxMemtableEntries)
	select {
	case ti.kick <- struct{}{}:
	default:
	}
}

func (ti *TableIndex) backgroundLoop() {
	defer ti.wg.Done()
	for {
		select {
		case <-ti.ctx.Done():
			return
		case <-ti.kick:
		}
		ti.setWorking(true)
		for {
			mt := ti.oldestAwaiting()
			if mt == nil {
				break
			}
			if err := ti.convertWithRetry(mt); err != nil {
				if errors.Is(err, core.ErrCancelled) || ti.ctx.Err() != nil {
					ti.setWorking(false)
					return
				}
				ti.logger.Error("Giving up on memtable conversion.", "memtable", mt.ID(), "error", err)
				ti.idleMu.Lock()
				ti.bgErr = err
				ti.idleMu.Unlock()
				break
			}
		}
		ti.setWorking(false)
	}
}

func (ti *TableIndex) setWorking(w bool) {
	ti.idleMu.Lock()
	ti.working = w
	ti.idleMu.Unlock()
	ti.idle.Broadcast()
}

func (ti *TableIndex) oldestAwaiting() *memtable.Memtable {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if n := len(ti.awaiting); n > 0 {
		return ti.awaiting[n-1]
	}
	return nil
}

func (ti *TableIndex) convertWithRetry(mt *memtable.Memtable) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = ti.opts.MaxFlushRetryInterval
	b.MaxElapsedTime = 0
	op := func() error {
		err := ti.convert(mt)
		if err != nil && (core.IsCorruptIndex(err) || errors.Is(err, core.ErrCancelled)) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ti.ctx), func(err error, wait time.Duration) {
		ti.logger.Warn("Memtable conversion failed, retrying.", "memtable", mt.ID(), "error", err, "retry_in", wait)
	})
}

// convert writes mt as a table, merges it into the map, persists the manifest
// and publishes the new map.
func (ti *TableIndex) convert(mt *memtable.Memtable) error {
	ti.mapMu.Lock()
	defer ti.mapMu.Unlock()

	tbl, err := ptable.FromMemtable(mt, ti.filenames(), ti.opts.IndexMap.PTable)
	if err != nil {
		return fmt.Errorf("failed to write memtable %s: %w", mt.ID(), err)
	}
	ti.mu.RLock()
	cur := ti.current
	ti.mu.RUnlock()

	res, err := cur.AddAndMergePTable(ti.ctx, tbl, mt.PrepareCheckpoint(), mt.CommitCheckpoint(), ti.filenames)
	if err != nil {
		tbl.MarkForDestruction()
		return err
	}
	if err := res.MergedMap.SaveToFile(ti.manifestPath()); err != nil {
		tbl.MarkForDestruction()
		for _, t := range res.MergedMap.InOrder() {
			if !slices.Contains(cur.InOrder(), t) {
				t.MarkForDestruction()
			}
		}
		return err
	}
	if ti.opts.TablesWritten != nil {
		ti.opts.TablesWritten.Add(1)
	}

	ti.mu.Lock()
	ti.current = res.MergedMap
	if n := len(ti.awaiting); n > 0 && ti.awaiting[n-1] == mt {
		ti.awaiting = ti.awaiting[:n-1]
	}
	ti.mu.Unlock()

	for _, t := range res.ToDelete {
		t.MarkForDestruction()
	}
	ti.logger.Info("Memtable converted.", "memtable", mt.ID(), "entries", mt.Count(), "tables", res.MergedMap.TableCount(), "deleted", len(res.ToDelete))
	return nil
}

// FlushAndWait converts the active memtable and waits until no memtable is
// awaiting conversion.
func (ti *TableIndex) FlushAndWait(ctx context.Context) error {
	ti.mu.Lock()
	ti.rotateLocked()
	ti.mu.Unlock()
	return ti.WaitForBackgroundTasks(ctx)
}

// WaitForBackgroundTasks blocks until every awaiting memtable is converted. It
// returns the last background failure, if any.
func (ti *TableIndex) WaitForBackgroundTasks(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		ti.idleMu.Lock()
		ti.idle.Broadcast()
		ti.idleMu.Unlock()
	})
	defer stop()
	ti.idleMu.Lock()
	defer ti.idleMu.Unlock()
	for {
		if ti.bgErr != nil {
			return ti.bgErr
		}
		if err := ctx.Err(); err != nil {
			return core.Cancelled(err)
		}
		ti.mu.RLock()
		pending := len(ti.awaiting)
		ti.mu.RUnlock()
		if pending == 0 && !ti.working {
			return nil
		}
		if pending > 0 && !ti.working {
			select {
			case ti.kick <- struct{}{}:
			default:
			}
		}
		ti.idle.Wait()
	}
}

// view is a consistent set of sources for one lookup, newest first.
type view struct {
	mems   []*memtable.Memtable
	tables []*ptable.PTable
}

func (v *view) release() {
	for _, t := range v.tables {
		t.Release()
	}
}

func (ti *TableIndex) acquireView() (*view, error) {
	for attempt := 0; attempt < 100; attempt++ {
		ti.mu.RLock()
		if ti.current == nil {
			ti.mu.RUnlock()
			return nil, errors.New("table index is not initialized")
		}
		v := &view{mems: append([]*memtable.Memtable{ti.active}, ti.awaiting...)}
		ok := true
		for _, t := range ti.current.InOrder() {
			if !t.Acquire() {
				ok = false
				break
			}
			v.tables = append(v.tables, t)
		}
		ti.mu.RUnlock()
		if ok {
			return v, nil
		}
		v.release()
	}
	return nil, fmt.Errorf("%w: index tables keep changing under the reader", core.ErrResourceExhausted)
}

func (v *view) searchers() []core.IndexSearcher {
	out := make([]core.IndexSearcher, 0, len(v.mems)+len(v.tables))
	for _, m := range v.mems {
		out = append(out, m)
	}
	for _, t := range v.tables {
		out = append(out, t)
	}
	return out
}

// TryGetOneValue returns the newest position of stream hash at version.
func (ti *TableIndex) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	v, err := ti.acquireView()
	if err != nil {
		return 0, false, err
	}
	defer v.release()
	for _, s := range v.searchers() {
		pos, ok, err := s.TryGetOneValue(stream, version)
		if err != nil || ok {
			return pos, ok, err
		}
	}
	return 0, false, nil
}

// TryGetLatestEntry returns the entry with the highest version of the hash.
func (ti *TableIndex) TryGetLatestEntry(stream uint64) (core.IndexEntry, bool, error) {
	v, err := ti.acquireView()
	if err != nil {
		return core.IndexEntry{}, false, err
	}
	defer v.release()
	var best core.IndexEntry
	found := false
	for _, s := range v.searchers() {
		e, ok, err := s.TryGetLatestEntry(stream)
		if err != nil {
			return core.IndexEntry{}, false, err
		}
		if ok && (!found || e.Version > best.Version) {
			best, found = e, true
		}
	}
	return best, found, nil
}

// TryGetOldestEntry returns the entry with the lowest version of the hash.
func (ti *TableIndex) TryGetOldestEntry(stream uint64) (core.IndexEntry, bool, error) {
	v, err := ti.acquireView()
	if err != nil {
		return core.IndexEntry{}, false, err
	}
	defer v.release()
	var best core.IndexEntry
	found := false
	for _, s := range v.searchers() {
		e, ok, err := s.TryGetOldestEntry(stream)
		if err != nil {
			return core.IndexEntry{}, false, err
		}
		if ok && (!found || e.Version < best.Version) {
			best, found = e, true
		}
	}
	return best, found, nil
}

// GetRange returns every entry of the hash with versions in [start, end] in
// table order. Entries of streams sharing the hash are all returned.
func (ti *TableIndex) GetRange(stream uint64, start, end int64, limit int) ([]core.IndexEntry, error) {
	v, err := ti.acquireView()
	if err != nil {
		return nil, err
	}
	defer v.release()
	var out []core.IndexEntry
	for _, s := range v.searchers() {
		part, err := s.GetRange(stream, start, end, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	slices.SortFunc(out, core.CompareIndexEntries)
	out = slices.Compact(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Scavenge converts every memtable and rewrites the tables through keep. The
// current map stays in place when the scavenge fails or is cancelled.
func (ti *TableIndex) Scavenge(ctx context.Context, keep func(core.IndexEntry) (bool, error)) (int64, error) {
	if err := ti.FlushAndWait(ctx); err != nil {
		return 0, err
	}
	ti.mapMu.Lock()
	defer ti.mapMu.Unlock()

	ti.mu.RLock()
	cur := ti.current
	ti.mu.RUnlock()
	res, err := cur.Scavenge(ctx, keep, ti.filenames)
	if err != nil {
		return 0, err
	}
	if len(res.ToDelete) == 0 {
		return 0, nil
	}
	if err := res.ScavengedMap.SaveToFile(ti.manifestPath()); err != nil {
		for _, t := range res.ScavengedMap.InOrder() {
			if !slices.Contains(cur.InOrder(), t) {
				t.MarkForDestruction()
			}
		}
		return 0, err
	}
	ti.mu.Lock()
	ti.current = res.ScavengedMap
	ti.mu.Unlock()
	for _, t := range res.ToDelete {
		t.MarkForDestruction()
	}
	return res.Removed, nil
}

// Tables returns the tables of the current map in lookup order.
func (ti *TableIndex) Tables() []*ptable.PTable {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if ti.current == nil {
		return nil
	}
	return ti.current.InOrder()
}

// Levels returns the current map's tables per level.
func (ti *TableIndex) Levels() [][]*ptable.PTable {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if ti.current == nil {
		return nil
	}
	return ti.current.Levels()
}

// Close stops the background worker and closes every table. Entries still in
// memtables are not persisted; they are re-indexed from the log on the next start.
func (ti *TableIndex) Close() error {
	ti.cancel()
	ti.wg.Wait()
	ti.mapMu.Lock()
	defer ti.mapMu.Unlock()
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.current != nil {
		ti.current.Dispose()
		ti.current = nil
	}
	return nil
}

var _ core.IndexSearcher = (*TableIndex)(nil)
