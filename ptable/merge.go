package ptable

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/INLOpen/eventcore/cache"
	"github.com/INLOpen/eventcore/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const cancelCheckInterval = 1024

// MergeOptions controls what a merge keeps.
type MergeOptions struct {
	// ExistsAt reports whether a record still exists at a log position. Entries
	// whose record is gone are dropped. Nil keeps every entry.
	ExistsAt func(position int64) (bool, error)
	// LRUCacheSize bounds the cache of ExistsAt results.
	LRUCacheSize int
	// UpgradeHash returns the full 64-bit stream hash of an entry read from a V1
	// table, or false when its record is gone. Required to merge V1 tables into
	// a wider version.
	UpgradeHash func(e core.IndexEntry) (uint64, bool, error)
}

// entrySource yields entries in table order.
type entrySource interface {
	Next() bool
	At() core.IndexEntry
	Err() error
	Close() error
}

type sliceSource struct {
	entries []core.IndexEntry
	i       int
}

func (s *sliceSource) Next() bool {
	if s.i >= len(s.entries) {
		return false
	}
	s.i++
	return true
}

func (s *sliceSource) At() core.IndexEntry { return s.entries[s.i-1] }
func (s *sliceSource) Err() error          { return nil }
func (s *sliceSource) Close() error        { return nil }

type heapItem struct {
	src   entrySource
	order int // position of the source table; lower is newer
}

// mergeHeap pops the smallest entry in table order; equal entries come from the
// newest table first.
type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := core.CompareIndexEntries(h[i].src.At(), h[j].src.At()); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergeTo merges tables, ordered newest first, into a single table at path.
// The result carries the highest checkpoints of its inputs. A cancelled merge
// leaves no file at path.
func MergeTo(ctx context.Context, tables []*PTable, path string, opts Options, mopts MergeOptions) (*PTable, error) {
	opts = opts.withDefaults()
	ctx, span := opts.Tracer.Start(ctx, "PTable.MergeTo")
	defer span.End()
	span.SetAttributes(attribute.String("ptable.path", path), attribute.Int("ptable.inputs", len(tables)))

	t, err := mergeTo(ctx, tables, path, opts, mopts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("ptable.count", t.count))
	return t, nil
}

func mergeTo(ctx context.Context, tables []*PTable, path string, opts Options, mopts MergeOptions) (*PTable, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("nothing to merge into %s", path)
	}
	if err := ctx.Err(); err != nil {
		return nil, core.Cancelled(err)
	}
	prepareCP, commitCP := int64(-1), int64(-1)
	var expected int64
	for _, t := range tables {
		prepareCP = max(prepareCP, t.prepareCP)
		commitCP = max(commitCP, t.commitCP)
		expected += t.count
		if t.version > V1 && opts.Version == V1 {
			return nil, fmt.Errorf("cannot merge %s table %s into a V1 table", t.version, t.path)
		}
		if t.version == V1 && opts.Version > V1 && mopts.UpgradeHash == nil {
			return nil, fmt.Errorf("merging V1 table %s into %s needs a hash upgrade", t.path, opts.Version)
		}
	}

	h := make(mergeHeap, 0, len(tables))
	defer func() {
		for _, it := range h {
			it.src.Close()
		}
	}()
	for i, t := range tables {
		src, err := openSource(ctx, t, opts.Version, mopts)
		if err != nil {
			return nil, err
		}
		if !src.Next() {
			err := src.Err()
			src.Close()
			if err != nil {
				return nil, err
			}
			continue
		}
		h = append(h, heapItem{src: src, order: i})
	}
	heap.Init(&h)

	exists := existsFilter(mopts)
	w, err := newTableWriter(path, newHeader(opts.Version, prepareCP, commitCP), expected, opts)
	if err != nil {
		return nil, err
	}
	var n int
	for h.Len() > 0 {
		if n++; n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return nil, core.Cancelled(err)
			}
		}
		top := h[0]
		e := top.src.At()
		keep, err := exists(e.Position)
		if err != nil {
			w.abort()
			return nil, err
		}
		if keep {
			if err := w.add(e); err != nil {
				w.abort()
				return nil, err
			}
		}
		if top.src.Next() {
			heap.Fix(&h, 0)
			continue
		}
		if err := top.src.Err(); err != nil {
			w.abort()
			return nil, err
		}
		top.src.Close()
		heap.Pop(&h)
	}
	return w.open(opts)
}

// openSource iterates a table, upgrading V1 hashes into a sorted in-memory
// copy when the output is wider.
func openSource(ctx context.Context, t *PTable, out Version, mopts MergeOptions) (entrySource, error) {
	it, err := t.IterateAllInOrder()
	if err != nil {
		return nil, err
	}
	if t.version != V1 || out == V1 {
		return it, nil
	}
	defer it.Close()
	entries := make([]core.IndexEntry, 0, t.count)
	for it.Next() {
		if len(entries)%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, core.Cancelled(err)
			}
		}
		e := it.At()
		hash, ok, err := mopts.UpgradeHash(e)
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade entry at %d of %s: %w", e.Position, t.path, err)
		}
		if ok {
			e.Stream = hash
			entries = append(entries, e)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(entries, core.CompareIndexEntries)
	return &sliceSource{entries: entries}, nil
}

func existsFilter(mopts MergeOptions) func(int64) (bool, error) {
	if mopts.ExistsAt == nil {
		return func(int64) (bool, error) { return true, nil }
	}
	lru := cache.NewLRUCache(mopts.LRUCacheSize, nil, nil, nil)
	return func(pos int64) (bool, error) {
		key := strconv.FormatInt(pos, 10)
		if v, ok := lru.Get(key); ok {
			return v.(bool), nil
		}
		ok, err := mopts.ExistsAt(pos)
		if err != nil {
			return false, err
		}
		lru.Put(key, ok)
		return ok, nil
	}
}
