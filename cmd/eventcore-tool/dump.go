package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/logrecord"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/spf13/cobra"
)

func newDumpChunkCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump-chunk <file>",
		Short: "Print the header, footer and records of a completed chunk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := chunkOptions(a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			c, err := chunk.FromCompletedFile(args[0], opts)
			if err != nil {
				return err
			}
			defer c.Close()
			return dumpChunk(c, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many records (0 prints all)")
	return cmd
}

func dumpChunk(c *chunk.Chunk, limit int, out io.Writer) error {
	h := c.Header()
	fmt.Fprintf(out, "chunk %d-%d version=%d transform=%#x scavenged=%t id=%s created=%s\n",
		h.ChunkStartNumber, h.ChunkEndNumber, h.Version, uint8(h.Transform), c.IsScavenged(), h.ChunkID,
		time.Unix(0, h.CreatedAt).UTC().Format(time.RFC3339))
	if f, ok := c.Footer(); ok {
		fmt.Fprintf(out, "footer physical=%d logical=%d map=%d checksum=%016x\n",
			f.PhysicalDataSize, f.LogicalDataSize, f.MapCount, f.Checksum)
	}

	var pos int64
	printed := 0
	for limit <= 0 || printed < limit {
		res, err := c.TryReadClosestForward(pos)
		if err != nil {
			return err
		}
		if !res.Success {
			break
		}
		fmt.Fprintf(out, "%s (%d bytes)\n", describeRecord(res.Record), res.RecordLength)
		printed++
		pos = res.NextPosition
	}
	fmt.Fprintf(out, "records: %d\n", printed)
	return nil
}

func describeRecord(rec logrecord.LogRecord) string {
	switch r := rec.(type) {
	case *logrecord.Prepare:
		kind := "event"
		if r.IsTombstone() {
			kind = "tombstone"
		}
		return fmt.Sprintf("%d Prepare %s stream=%q number=%d type=%q flags=%#x txn=%d data=%dB meta=%dB",
			r.LogPosition, kind, r.EventStreamID, r.EventNumber(), r.EventType, uint16(r.Flags),
			r.TransactionPosition, len(r.Data), len(r.Metadata))
	case *logrecord.Commit:
		return fmt.Sprintf("%d Commit txn=%d first=%d", r.LogPosition, r.TransactionPosition, r.FirstEventNumber)
	case *logrecord.System:
		return fmt.Sprintf("%d System kind=%d data=%dB", r.LogPosition, r.Kind, len(r.Data))
	case *logrecord.Partition:
		return fmt.Sprintf("%d Partition name=%q id=%s", r.LogPosition, r.Name, r.PartitionID)
	case *logrecord.StreamType:
		return fmt.Sprintf("%d StreamType name=%q id=%s", r.LogPosition, r.Name, r.RecordID)
	default:
		return fmt.Sprintf("%d %s", rec.Position(), rec.Type())
	}
}

func newDumpIndexCommand(a *app) *cobra.Command {
	var entries bool
	var stream string
	var limit int
	cmd := &cobra.Command{
		Use:   "dump-index",
		Short: "Print the index tables per level, their entries or the entries of one stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()
			out := cmd.OutOrStdout()
			if stream != "" {
				return dumpStream(n, stream, limit, out)
			}
			return dumpIndex(n, entries, limit, out)
		},
	}
	cmd.Flags().BoolVar(&entries, "entries", false, "Print the entries of every table")
	cmd.Flags().StringVar(&stream, "stream", "", "Print the index entries of this stream only")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many entries per table or stream (0 prints all)")
	return cmd
}

func dumpIndex(n *node, entries bool, limit int, out io.Writer) error {
	fmt.Fprintf(out, "index prepare=%d commit=%d\n", n.index.PrepareCheckpoint(), n.index.CommitCheckpoint())
	for level, tables := range n.index.Levels() {
		for _, t := range tables {
			fmt.Fprintf(out, "level %d %s version=%s entries=%d size=%d bloom=%t checkpoints=%d/%d\n",
				level, t.Path(), t.Version(), t.Count(), t.Size(), t.HasBloomFilter(),
				t.PrepareCheckpoint(), t.CommitCheckpoint())
			if entries {
				if err := dumpTable(t, limit, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func dumpTable(t *ptable.PTable, limit int, out io.Writer) error {
	it, err := t.IterateAllInOrder()
	if err != nil {
		return err
	}
	defer it.Close()
	for printed := 0; (limit <= 0 || printed < limit) && it.Next(); printed++ {
		e := it.At()
		fmt.Fprintf(out, "  %016x %d @%d\n", e.Stream, e.Version, e.Position)
	}
	return it.Err()
}

func dumpStream(n *node, stream string, limit int, out io.Writer) error {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	hash := n.index.Hash(stream)
	found, err := n.index.GetRange(hash, 0, math.MaxInt64, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "stream %q hash=%016x entries=%d\n", stream, hash, len(found))
	for _, e := range found {
		fmt.Fprintf(out, "  %d @%d\n", e.Version, e.Position)
	}
	last, err := n.reader.GetStreamLastEventNumber(stream)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "last event number: %d\n", last)
	return nil
}
