package readindex

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"

	"github.com/INLOpen/eventcore/checkpoint"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/tableindex"
	"github.com/INLOpen/eventcore/tlog"
)

// CommitterOptions configures a Committer.
type CommitterOptions struct {
	// Reader, when set, has its stream caches invalidated as events are indexed.
	Reader *IndexReader
	Logger *slog.Logger

	EventsIndexed *expvar.Int
}

// Committer turns committed log records into index entries. It is fed in log
// order, by the chaser or by a replay of the log on start.
type Committer struct {
	db      *tlog.DB
	index   *tableindex.TableIndex
	indexCP checkpoint.Checkpoint
	reader  *IndexReader
	logger  *slog.Logger
	indexed *expvar.Int
}

func NewCommitter(db *tlog.DB, index *tableindex.TableIndex, opts CommitterOptions) *Committer {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Committer_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Committer")
	}
	return &Committer{
		db:      db,
		index:   index,
		indexCP: db.Checkpoints.Index,
		reader:  opts.Reader,
		logger:  opts.Logger,
		indexed: opts.EventsIndexed,
	}
}

// Init indexes every committed record between the table index checkpoint and
// upTo. Entries that were still in memtables when the process stopped are
// rebuilt this way.
func (c *Committer) Init(ctx context.Context, upTo int64) error {
	from := max(c.index.CommitCheckpoint(), 0)
	r := c.db.NewReader(from)
	replayed := 0
	for r.Position() < upTo {
		if err := ctx.Err(); err != nil {
			return core.Cancelled(err)
		}
		res, err := r.TryReadNext()
		if err != nil {
			return fmt.Errorf("failed to replay log at %d: %w", r.Position(), err)
		}
		if !res.Success {
			break
		}
		if err := c.Commit(res.Record); err != nil {
			return err
		}
		replayed++
	}
	c.logger.Info("Index caught up with the log.", "from", from, "to", r.Position(), "records", replayed)
	return nil
}

// Run indexes records as the chaser delivers them until ctx is done.
func (c *Committer) Run(ctx context.Context, chaser *tlog.Chaser) error {
	return chaser.Run(ctx, c.Commit)
}

// Commit indexes rec when it makes events visible: a committed prepare, or a
// commit record for the prepares of its transaction. Records at or below the
// index commit checkpoint are already indexed and ignored.
func (c *Committer) Commit(rec logrecord.LogRecord) error {
	if rec.Position() <= c.index.CommitCheckpoint() {
		return nil
	}
	switch r := rec.(type) {
	case *logrecord.Prepare:
		if !r.Flags.Has(logrecord.FlagIsCommitted) {
			return nil
		}
		if !r.Flags.Has(logrecord.FlagData) && !r.IsTombstone() {
			return nil
		}
		return c.add(r.LogPosition, []*logrecord.Prepare{r}, []int64{r.EventNumber()})
	case *logrecord.Commit:
		prepares, err := c.transactionPrepares(r)
		if err != nil {
			return err
		}
		numbers := make([]int64, len(prepares))
		next := r.FirstEventNumber
		for i, p := range prepares {
			if p.IsTombstone() {
				numbers[i] = core.EventNumberDeletedStream
				continue
			}
			numbers[i] = next
			next++
		}
		return c.add(r.LogPosition, prepares, numbers)
	default:
		return nil
	}
}

// transactionPrepares reads the event prepares of the transaction commit closes.
func (c *Committer) transactionPrepares(commit *logrecord.Commit) ([]*logrecord.Prepare, error) {
	r := c.db.NewReader(commit.TransactionPosition)
	var out []*logrecord.Prepare
	for r.Position() < commit.LogPosition {
		res, err := r.TryReadNext()
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction at %d for commit %d: %w", commit.TransactionPosition, commit.LogPosition, err)
		}
		if !res.Success {
			break
		}
		p, ok := res.Record.(*logrecord.Prepare)
		if !ok || p.TransactionPosition != commit.TransactionPosition || p.Flags.Has(logrecord.FlagIsCommitted) {
			continue
		}
		if p.Flags.Has(logrecord.FlagData) || p.IsTombstone() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Committer) add(commitPos int64, prepares []*logrecord.Prepare, numbers []int64) error {
	entries := make([]core.IndexEntry, 0, len(prepares))
	for i, p := range prepares {
		entries = append(entries, core.IndexEntry{Stream: c.index.Hash(p.EventStreamID), Version: numbers[i], Position: p.LogPosition})
	}
	if len(entries) > 0 {
		if err := c.index.AddEntries(commitPos, entries); err != nil {
			return fmt.Errorf("failed to index commit at %d: %w", commitPos, err)
		}
	}
	if c.reader != nil {
		for _, p := range prepares {
			c.reader.invalidate(p.EventStreamID)
		}
	}
	if c.indexed != nil {
		c.indexed.Add(int64(len(entries)))
	}
	if commitPos > c.indexCP.ReadNonFlushed() {
		if err := c.indexCP.Write(commitPos); err != nil {
			return err
		}
	}
	return nil
}
