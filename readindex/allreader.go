package readindex

import (
	"fmt"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/tlog"
)

// CommittedEvent is an event together with the position of the record that
// committed it.
type CommittedEvent struct {
	Event    *logrecord.Prepare
	Position core.TFPos
}

// AllSlice is a page of the $all stream.
type AllSlice struct {
	Events []CommittedEvent
	// CurrentPos is the position the read started from.
	CurrentPos core.TFPos
	// NextPos continues the read in the same direction.
	NextPos       core.TFPos
	IsEndOfStream bool
}

// AllReader reads committed events in log order.
type AllReader struct {
	db *tlog.DB
}

func NewAllReader(db *tlog.DB) *AllReader { return &AllReader{db: db} }

func isEvent(p *logrecord.Prepare) bool {
	return p.Flags.Has(logrecord.FlagData) || p.IsTombstone()
}

// transaction returns the event prepares committed by commit, in log order.
func (a *AllReader) transaction(commit *logrecord.Commit) ([]*logrecord.Prepare, error) {
	r := a.db.NewReader(commit.TransactionPosition)
	var out []*logrecord.Prepare
	for r.Position() < commit.LogPosition {
		res, err := r.TryReadNext()
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction at %d: %w", commit.TransactionPosition, err)
		}
		if !res.Success {
			break
		}
		p, ok := res.Record.(*logrecord.Prepare)
		if ok && p.TransactionPosition == commit.TransactionPosition && !p.Flags.Has(logrecord.FlagIsCommitted) && isEvent(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ReadAllEventsForward returns up to maxCount events at or after pos.
func (a *AllReader) ReadAllEventsForward(pos core.TFPos, maxCount int) (AllSlice, error) {
	if maxCount <= 0 {
		return AllSlice{}, fmt.Errorf("invalid max count %d", maxCount)
	}
	slice := AllSlice{CurrentPos: pos}
	r := a.db.NewReader(pos.CommitPosition)
	for {
		res, err := r.TryReadNext()
		if err != nil {
			return AllSlice{}, err
		}
		if !res.Success {
			slice.NextPos = core.TFPos{CommitPosition: r.Position(), PreparePosition: r.Position()}
			slice.IsEndOfStream = true
			return slice, nil
		}
		switch rec := res.Record.(type) {
		case *logrecord.Prepare:
			if rec.Flags.Has(logrecord.FlagIsCommitted) && isEvent(rec) && rec.LogPosition >= pos.CommitPosition {
				slice.Events = append(slice.Events, CommittedEvent{Event: rec, Position: core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: rec.LogPosition}})
			}
		case *logrecord.Commit:
			prepares, err := a.transaction(rec)
			if err != nil {
				return AllSlice{}, err
			}
			for _, p := range prepares {
				at := core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: p.LogPosition}
				if at.Compare(pos) < 0 {
					continue
				}
				if len(slice.Events) == maxCount {
					slice.NextPos = at
					return slice, nil
				}
				slice.Events = append(slice.Events, CommittedEvent{Event: p, Position: at})
			}
		}
		if len(slice.Events) >= maxCount {
			slice.NextPos = core.TFPos{CommitPosition: r.Position(), PreparePosition: r.Position()}
			return slice, nil
		}
	}
}

// ReadAllEventsBackward returns up to maxCount events before pos, newest first.
func (a *AllReader) ReadAllEventsBackward(pos core.TFPos, maxCount int) (AllSlice, error) {
	if maxCount <= 0 {
		return AllSlice{}, fmt.Errorf("invalid max count %d", maxCount)
	}
	slice := AllSlice{CurrentPos: pos}
	emitCommit := func(rec *logrecord.Commit, below core.TFPos) (bool, error) {
		prepares, err := a.transaction(rec)
		if err != nil {
			return false, err
		}
		for i := len(prepares) - 1; i >= 0; i-- {
			at := core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: prepares[i].LogPosition}
			if at.Compare(below) >= 0 {
				continue
			}
			if len(slice.Events) == maxCount {
				slice.NextPos = core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: slice.Events[len(slice.Events)-1].Position.PreparePosition}
				return true, nil
			}
			slice.Events = append(slice.Events, CommittedEvent{Event: prepares[i], Position: at})
		}
		return false, nil
	}

	// A position inside a transaction continues with the commit's earlier prepares.
	if pos.PreparePosition < pos.CommitPosition {
		res, err := a.db.TryReadAt(pos.CommitPosition, true)
		if err != nil {
			return AllSlice{}, err
		}
		if c, ok := res.Record.(*logrecord.Commit); ok && res.Success {
			if full, err := emitCommit(c, pos); err != nil || full {
				return slice, err
			}
		}
	}

	r := a.db.NewReader(pos.CommitPosition)
	for len(slice.Events) < maxCount {
		res, err := r.TryReadPrev()
		if err != nil {
			return AllSlice{}, err
		}
		if !res.Success {
			slice.NextPos = core.TFPos{CommitPosition: 0, PreparePosition: 0}
			slice.IsEndOfStream = true
			return slice, nil
		}
		switch rec := res.Record.(type) {
		case *logrecord.Prepare:
			if rec.Flags.Has(logrecord.FlagIsCommitted) && isEvent(rec) {
				slice.Events = append(slice.Events, CommittedEvent{Event: rec, Position: core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: rec.LogPosition}})
			}
		case *logrecord.Commit:
			end := core.TFPos{CommitPosition: rec.LogPosition, PreparePosition: rec.LogPosition}
			if full, err := emitCommit(rec, end); err != nil || full {
				return slice, err
			}
		}
	}
	slice.NextPos = core.TFPos{CommitPosition: r.Position(), PreparePosition: r.Position()}
	return slice, nil
}
