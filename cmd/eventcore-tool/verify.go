package main

import (
	"context"
	"fmt"
	"io"

	"github.com/INLOpen/eventcore/ptable"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

func newVerifyCommand(a *app) *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the checksums of every completed chunk and index table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()
			return verify(cmd.Context(), n, deep, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "Also check that every index entry points at a prepare of its stream")
	return cmd
}

func verify(ctx context.Context, n *node, deep bool, out io.Writer) error {
	var result *multierror.Error
	verified, skipped := 0, 0
	for _, c := range n.db.Manager.Chunks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, completed := c.Footer(); !completed || c.IsRemote() {
			skipped++
			continue
		}
		if err := c.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
			fmt.Fprintf(out, "chunk %d-%d: FAILED: %v\n", c.StartNumber(), c.EndNumber(), err)
			continue
		}
		verified++
	}
	fmt.Fprintf(out, "chunks: %d verified, %d skipped\n", verified, skipped)

	opts := ptableOptions(n.cfg.Index, n.logger)
	opts.SkipVerify = false
	tables, entries := 0, int64(0)
	for _, t := range n.index.Tables() {
		reopened, err := ptable.FromFile(t.Path(), opts)
		if err != nil {
			result = multierror.Append(result, err)
			fmt.Fprintf(out, "table %s: FAILED: %v\n", t.Path(), err)
			continue
		}
		reopened.Dispose()
		tables++
		if !deep {
			continue
		}
		checked, err := verifyEntries(ctx, n, t)
		entries += checked
		if err != nil {
			result = multierror.Append(result, err)
			fmt.Fprintf(out, "table %s: FAILED: %v\n", t.Path(), err)
		}
	}
	fmt.Fprintf(out, "tables: %d verified\n", tables)
	if deep {
		fmt.Fprintf(out, "entries: %d resolved\n", entries)
	}
	return result.ErrorOrNil()
}

// verifyEntries checks that each entry of t resolves to a prepare whose stream
// hashes to the entry's stream.
func verifyEntries(ctx context.Context, n *node, t *ptable.PTable) (int64, error) {
	it, err := t.IterateAllInOrder()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var checked int64
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		e := it.At()
		p, ok, err := n.db.ReadPrepare(e.Position)
		if err != nil {
			return checked, err
		}
		if !ok {
			return checked, fmt.Errorf("entry %x@%d points at %d where no prepare exists", e.Stream, e.Version, e.Position)
		}
		if t.StoredHash(n.index.Hash(p.EventStreamID)) != e.Stream {
			return checked, fmt.Errorf("entry %x@%d points at a prepare of stream %q", e.Stream, e.Version, p.EventStreamID)
		}
		checked++
	}
	return checked, it.Err()
}
