package ptable

import (
	"context"

	"github.com/INLOpen/eventcore/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Scavenged rewrites t to path keeping only the entries keep accepts. The new
// table has the version and checkpoints of t. When every entry is kept no file
// is written and the returned table is nil. removed counts dropped entries.
func Scavenged(ctx context.Context, t *PTable, path string, keep func(core.IndexEntry) (bool, error), opts Options) (_ *PTable, removed int64, _ error) {
	opts.Version = t.version
	opts = opts.withDefaults()
	ctx, span := opts.Tracer.Start(ctx, "PTable.Scavenged")
	defer span.End()
	span.SetAttributes(attribute.String("ptable.source", t.path), attribute.Int64("ptable.count", t.count))

	fail := func(err error) (*PTable, int64, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scavenge failed")
		return nil, 0, err
	}

	it, err := t.IterateAllInOrder()
	if err != nil {
		return fail(err)
	}
	defer it.Close()

	w, err := newTableWriter(path, newHeader(t.version, t.prepareCP, t.commitCP), t.count, opts)
	if err != nil {
		return fail(err)
	}
	var n int64
	for it.Next() {
		if n++; n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return fail(core.Cancelled(err))
			}
		}
		e := it.At()
		ok, err := keep(e)
		if err != nil {
			w.abort()
			return fail(err)
		}
		if !ok {
			removed++
			continue
		}
		if err := w.add(e); err != nil {
			w.abort()
			return fail(err)
		}
	}
	if err := it.Err(); err != nil {
		w.abort()
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		w.abort()
		return fail(core.Cancelled(err))
	}
	if removed == 0 {
		w.abort()
		span.SetAttributes(attribute.Int64("ptable.removed", 0))
		return nil, 0, nil
	}
	nt, err := w.open(opts)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int64("ptable.removed", removed))
	opts.Logger.Info("Table scavenged.", "source", t.path, "target", path, "removed", removed, "kept", nt.count)
	return nt, removed, nil
}
