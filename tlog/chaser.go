package tlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/checkpoint"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/logrecord"
)

// defaultChaserFlushInterval bounds how long a processed position may stay
// unflushed while the chaser is busy.
const defaultChaserFlushInterval = 2 * time.Second

// Chaser follows the log in strict position order up to the flushed writer
// checkpoint and records how far it got in the chaser checkpoint.
type Chaser struct {
	db       *DB
	reader   *SequentialReader
	chaserCP checkpoint.Checkpoint
	notify   chan struct{}
	logger   *slog.Logger
}

func NewChaser(db *DB) *Chaser {
	c := &Chaser{
		db:       db,
		chaserCP: db.Checkpoints.Chaser,
		reader:   db.NewReader(db.Checkpoints.Chaser.Read()),
		notify:   make(chan struct{}, 1),
		logger:   db.logger.With("component", "Chaser"),
	}
	db.Checkpoints.Writer.OnFlushed(func(int64) {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	})
	return c
}

// Position is the position of the next record the chaser will read.
func (c *Chaser) Position() int64 { return c.reader.Position() }

// TryReadNext reads the next record and advances the (unflushed) chaser checkpoint.
func (c *Chaser) TryReadNext() (ReadResult, error) {
	res, err := c.reader.TryReadNext()
	if err != nil {
		return res, err
	}
	if res.Success {
		if err := c.chaserCP.Write(res.NextPosition); err != nil {
			return ReadResult{}, err
		}
	}
	return res, nil
}

// Flush persists the chaser checkpoint and publishes it.
func (c *Chaser) Flush() error {
	if err := c.chaserCP.Flush(); err != nil {
		return err
	}
	c.db.publisher.Publish(bus.ChaserCheckpointed{Position: c.chaserCP.Read()})
	return nil
}

// Run reads records as they become durable and hands each to handle, in log
// order. The checkpoint is flushed whenever the chaser catches up with the
// writer and at least every flush interval. Run returns when ctx is done.
func (c *Chaser) Run(ctx context.Context, handle func(logrecord.LogRecord) error) error {
	lastFlush := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			if ferr := c.Flush(); ferr != nil {
				c.logger.Error("Failed to flush chaser checkpoint on shutdown.", "error", ferr)
			}
			return core.Cancelled(err)
		}
		res, err := c.TryReadNext()
		if err != nil {
			return err
		}
		if res.Success {
			if err := handle(res.Record); err != nil {
				return err
			}
			if time.Since(lastFlush) > defaultChaserFlushInterval {
				if err := c.Flush(); err != nil {
					return err
				}
				lastFlush = time.Now()
			}
			continue
		}
		if c.chaserCP.ReadNonFlushed() != c.chaserCP.Read() {
			if err := c.Flush(); err != nil {
				return err
			}
			lastFlush = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-c.notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}
