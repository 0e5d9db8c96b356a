package indexmap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxTablesPerLevel = 4

// FilenameProvider returns a fresh path for a table about to be written.
type FilenameProvider func() string

// Options configures merge policy and the tables a map writes.
type Options struct {
	// A level holding more than MaxTablesPerLevel tables is merged into one
	// table on the next level.
	MaxTablesPerLevel int
	// Levels at or above this are never merged automatically.
	MaxTableLevelsForAutomaticMerge int
	PTable                          ptable.Options
	Merge                           ptable.MergeOptions
	Tracer                          trace.Tracer
	Logger                          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxTablesPerLevel <= 0 {
		o.MaxTablesPerLevel = DefaultMaxTablesPerLevel
	}
	if o.MaxTableLevelsForAutomaticMerge <= 0 {
		o.MaxTableLevelsForAutomaticMerge = math.MaxInt32
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("eventcore/indexmap")
	}
	if o.PTable.Logger == nil {
		o.PTable.Logger = o.Logger
	}
	if o.PTable.Tracer == nil {
		o.PTable.Tracer = o.Tracer
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "IndexMap_default")
	} else {
		o.Logger = o.Logger.With("component", "IndexMap")
	}
	return o
}

// IndexMap is an immutable leveled set of tables. Every transition returns a
// new map; the old value stays usable until its tables are destroyed.
type IndexMap struct {
	version   int
	prepareCP int64
	commitCP  int64
	// levels[i] lists the tables of level i, oldest first.
	levels [][]*ptable.PTable
	opts   Options
	logger *slog.Logger
}

// AddResult is the outcome of AddPTable.
type AddResult struct {
	NewMap      *IndexMap
	CanMergeAny bool
}

// MergeResult is the outcome of a merge. ToDelete lists the tables the merged
// map no longer references.
type MergeResult struct {
	MergedMap   *IndexMap
	ToDelete    []*ptable.PTable
	CanMergeAny bool
}

// ScavengeResult is the outcome of Scavenge.
type ScavengeResult struct {
	ScavengedMap *IndexMap
	ToDelete     []*ptable.PTable
	Removed      int64
}

// CreateEmpty returns a map with no tables and checkpoints at -1.
func CreateEmpty(opts Options) *IndexMap {
	opts = opts.withDefaults()
	return &IndexMap{
		version:   core.IndexMapVersion,
		prepareCP: -1,
		commitCP:  -1,
		opts:      opts,
		logger:    opts.Logger,
	}
}

func (m *IndexMap) derive(levels [][]*ptable.PTable, prepareCP, commitCP int64) *IndexMap {
	return &IndexMap{
		version:   m.version,
		prepareCP: prepareCP,
		commitCP:  commitCP,
		levels:    levels,
		opts:      m.opts,
		logger:    m.logger,
	}
}

func (m *IndexMap) cloneLevels() [][]*ptable.PTable {
	out := make([][]*ptable.PTable, len(m.levels))
	for i, l := range m.levels {
		out[i] = append([]*ptable.PTable(nil), l...)
	}
	return out
}

func (m *IndexMap) Version() int             { return m.version }
func (m *IndexMap) PrepareCheckpoint() int64 { return m.prepareCP }
func (m *IndexMap) CommitCheckpoint() int64  { return m.commitCP }

// Levels returns a copy of the level table lists, oldest first within a level.
func (m *IndexMap) Levels() [][]*ptable.PTable { return m.cloneLevels() }

func (m *IndexMap) TableCount() int {
	n := 0
	for _, l := range m.levels {
		n += len(l)
	}
	return n
}

// InOrder returns the tables in lookup precedence: level 0 first, newest
// table first within a level.
func (m *IndexMap) InOrder() []*ptable.PTable {
	out := make([]*ptable.PTable, 0, m.TableCount())
	for _, l := range m.levels {
		for j := len(l) - 1; j >= 0; j-- {
			out = append(out, l[j])
		}
	}
	return out
}

// GetAllFilenames returns the paths of every table in the map.
func (m *IndexMap) GetAllFilenames() []string {
	var out []string
	for _, l := range m.levels {
		for _, t := range l {
			out = append(out, t.Path())
		}
	}
	return out
}

// canMergeAny reports whether some level below the automatic merge limit is over capacity.
func (m *IndexMap) canMergeAny(levels [][]*ptable.PTable) bool {
	return m.levelToMerge(levels) >= 0
}

func (m *IndexMap) levelToMerge(levels [][]*ptable.PTable) int {
	for i, l := range levels {
		if i >= m.opts.MaxTableLevelsForAutomaticMerge {
			break
		}
		if len(l) > m.opts.MaxTablesPerLevel {
			return i
		}
	}
	return -1
}

// AddPTable returns a map with t as the newest table of level 0. The map
// checkpoints move to the ones given.
func (m *IndexMap) AddPTable(t *ptable.PTable, prepareCP, commitCP int64) (AddResult, error) {
	if prepareCP < m.prepareCP || commitCP < m.commitCP {
		return AddResult{}, fmt.Errorf("checkpoints %d/%d are behind the map's %d/%d", prepareCP, commitCP, m.prepareCP, m.commitCP)
	}
	levels := m.cloneLevels()
	if len(levels) == 0 {
		levels = append(levels, nil)
	}
	levels[0] = append(levels[0], t)
	nm := m.derive(levels, prepareCP, commitCP)
	return AddResult{NewMap: nm, CanMergeAny: m.canMergeAny(levels)}, nil
}

// TryMergeOneLevel merges every table of the lowest over-capacity level into a
// single table appended to the next level. When no level needs merging the
// map itself is returned.
func (m *IndexMap) TryMergeOneLevel(ctx context.Context, filenames FilenameProvider) (MergeResult, error) {
	lvl := m.levelToMerge(m.levels)
	if lvl < 0 {
		return MergeResult{MergedMap: m}, nil
	}
	ctx, span := m.opts.Tracer.Start(ctx, "IndexMap.TryMergeOneLevel")
	defer span.End()
	span.SetAttributes(attribute.Int("indexmap.level", lvl), attribute.Int("indexmap.tables", len(m.levels[lvl])))

	inputs := m.levels[lvl]
	newestFirst := make([]*ptable.PTable, 0, len(inputs))
	for j := len(inputs) - 1; j >= 0; j-- {
		newestFirst = append(newestFirst, inputs[j])
	}
	merged, err := ptable.MergeTo(ctx, newestFirst, filenames(), m.opts.PTable, m.opts.Merge)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return MergeResult{}, fmt.Errorf("failed to merge level %d: %w", lvl, err)
	}

	levels := m.cloneLevels()
	levels[lvl] = nil
	if lvl+1 == len(levels) {
		levels = append(levels, nil)
	}
	levels[lvl+1] = append(levels[lvl+1], merged)
	m.logger.Info("Level merged.", "level", lvl, "tables", len(inputs), "entries", merged.Count(), "path", merged.Path())

	nm := m.derive(levels, m.prepareCP, m.commitCP)
	return MergeResult{
		MergedMap:   nm,
		ToDelete:    append([]*ptable.PTable(nil), inputs...),
		CanMergeAny: m.canMergeAny(levels),
	}, nil
}

// AddAndMergePTable adds t and merges levels until none is over capacity. On
// failure every table written by this call is destroyed and the receiver is
// still the current map.
func (m *IndexMap) AddAndMergePTable(ctx context.Context, t *ptable.PTable, prepareCP, commitCP int64, filenames FilenameProvider) (MergeResult, error) {
	added, err := m.AddPTable(t, prepareCP, commitCP)
	if err != nil {
		return MergeResult{}, err
	}
	cur := added.NewMap
	var toDelete, created []*ptable.PTable
	canMerge := added.CanMergeAny
	for canMerge {
		res, err := cur.TryMergeOneLevel(ctx, filenames)
		if err != nil {
			for _, c := range created {
				c.MarkForDestruction()
			}
			return MergeResult{}, err
		}
		// The merged table is the newest of the level above the merged one.
		for _, l := range res.MergedMap.levels {
			if n := len(l); n > 0 && !contains(cur.levels, l[n-1]) {
				created = append(created, l[n-1])
			}
		}
		toDelete = append(toDelete, res.ToDelete...)
		cur = res.MergedMap
		canMerge = res.CanMergeAny
	}
	return MergeResult{MergedMap: cur, ToDelete: toDelete, CanMergeAny: false}, nil
}

func contains(levels [][]*ptable.PTable, t *ptable.PTable) bool {
	for _, l := range levels {
		for _, x := range l {
			if x == t {
				return true
			}
		}
	}
	return false
}

// Scavenge rewrites every table through keep. Tables that lose no entries are
// kept as they are. A failed or cancelled scavenge destroys the tables it wrote
// and leaves the receiver current.
func (m *IndexMap) Scavenge(ctx context.Context, keep func(core.IndexEntry) (bool, error), filenames FilenameProvider) (ScavengeResult, error) {
	ctx, span := m.opts.Tracer.Start(ctx, "IndexMap.Scavenge")
	defer span.End()

	levels := m.cloneLevels()
	var toDelete, created []*ptable.PTable
	var removed int64
	fail := func(err error) (ScavengeResult, error) {
		for _, c := range created {
			c.MarkForDestruction()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "scavenge failed")
		return ScavengeResult{}, err
	}
	for i, l := range levels {
		for j, t := range l {
			if err := ctx.Err(); err != nil {
				return fail(core.Cancelled(err))
			}
			nt, n, err := ptable.Scavenged(ctx, t, filenames(), keep, m.opts.PTable)
			if err != nil {
				return fail(fmt.Errorf("failed to scavenge table %s: %w", t.Path(), err))
			}
			if nt == nil {
				continue
			}
			created = append(created, nt)
			toDelete = append(toDelete, t)
			levels[i][j] = nt
			removed += n
		}
	}
	span.SetAttributes(attribute.Int64("indexmap.removed", removed), attribute.Int("indexmap.rewritten", len(created)))
	m.logger.Info("Index scavenged.", "tables_rewritten", len(created), "entries_removed", removed)
	return ScavengeResult{ScavengedMap: m.derive(levels, m.prepareCP, m.commitCP), ToDelete: toDelete, Removed: removed}, nil
}

// Dispose closes every table without deleting files.
func (m *IndexMap) Dispose() {
	for _, l := range m.levels {
		for _, t := range l {
			t.Dispose()
		}
	}
}

// UUIDFilenames names new tables in dir with random uuids.
func UUIDFilenames(dir string) FilenameProvider {
	return func() string { return filepath.Join(dir, uuid.NewString()) }
}
