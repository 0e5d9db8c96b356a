package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/INLOpen/eventcore/archive"
	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/config"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/scavenge"
	"github.com/spf13/cobra"
)

func newScavengeCommand(a *app) *cobra.Command {
	var progressEvery time.Duration
	cmd := &cobra.Command{
		Use:   "scavenge",
		Short: "Run one scavenge with the configured thresholds, resuming an interrupted run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := openNode(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()
			res, err := runScavenge(ctx, n, progressEvery, cmd.OutOrStdout())
			if errors.Is(err, core.ErrCancelled) {
				fmt.Fprintf(cmd.OutOrStdout(), "scavenge %s stopped; the next run resumes it\n", res.RunID)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&progressEvery, "progress", 5*time.Second, "How often to print the phase of a running scavenge")
	return cmd
}

func statePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Scavenge.StateFile) {
		return cfg.Scavenge.StateFile
	}
	return filepath.Join(cfg.DB.DataDir, cfg.Scavenge.StateFile)
}

func runScavenge(ctx context.Context, n *node, progressEvery time.Duration, out io.Writer) (scavenge.Result, error) {
	state, err := scavenge.OpenBoltState(statePath(n.cfg))
	if err != nil {
		return scavenge.Result{}, err
	}
	defer state.Close()

	sub := n.bus.Subscribe(bus.Filter{Kinds: []bus.Kind{bus.KindScavengeStarted, bus.KindScavengeCompleted}})
	defer sub.Close()
	go func() {
		for msg := range sub.Messages {
			n.logger.Debug("Scavenge event.", "kind", msg.Kind(), "message", msg)
		}
	}()

	s := scavenge.New(n.db, n.index, state, scavenge.Options{
		Threshold:           n.cfg.Scavenge.Threshold,
		MaxRecordsPerSecond: n.cfg.Scavenge.MaxRecordsPerSecond,
		MergeChunks:         n.cfg.Scavenge.MergeChunks,
		Publisher:           n.bus,
		Logger:              n.logger,
		RecordsDiscarded:    recordsDiscarded,
		ChunksScavenged:     chunksScavenged,
	})

	if n.cfg.Scavenge.SyncOnly {
		res, err := s.Run(ctx)
		if err == nil {
			fmt.Fprintln(out, res.String())
		}
		return res, err
	}

	svc := scavenge.NewService(s)
	if err := svc.Start(ctx); err != nil {
		return scavenge.Result{}, err
	}
	if progressEvery <= 0 {
		progressEvery = 5 * time.Second
	}
	ticker := time.NewTicker(progressEvery)
	defer ticker.Stop()

	done := make(chan struct{})
	var res scavenge.Result
	go func() {
		defer close(done)
		res, err = svc.Wait(context.Background())
	}()
	for {
		select {
		case <-done:
			if err == nil {
				fmt.Fprintln(out, res.String())
			}
			return res, err
		case <-ticker.C:
			st := svc.Status()
			fmt.Fprintf(out, "scavenge %s: %s (running for %s)\n", st.RunID, st.Phase, time.Since(st.StartedAt).Round(time.Second))
		}
	}
}

func newArchiveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Upload every completed chunk not yet archived and retire old local chunk files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Archive.Enabled {
				return fmt.Errorf("archiving is disabled; set archive.enabled in %s", a.configPath)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := openNode(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()

			archiver := archive.NewArchiver(n.db, n.storage, archive.ArchiverOptions{
				RetainLocalChunks: n.cfg.Archive.RetainLocalChunks,
				Interval:          config.ParseDuration(n.cfg.Archive.Interval, 30*time.Second, n.logger),
				Logger:            n.logger,
			})
			uploaded, err := archiver.ArchiveOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d chunks; archive checkpoint %d\n", uploaded, archiver.Checkpoint())
			return nil
		},
	}
}
