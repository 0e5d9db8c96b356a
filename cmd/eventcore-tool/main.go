// Command eventcore-tool inspects and maintains an eventcore database offline.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/eventcore/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand once the configuration is loaded.
type app struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "eventcore-tool",
		Short:         "Offline administration of an eventcore database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "eventcore.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Overrides db.data_dir")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Overrides logging.level (debug, info, warn, error)")

	root.AddCommand(
		newVerifyCommand(a),
		newDumpChunkCommand(a),
		newDumpIndexCommand(a),
		newScavengeCommand(a),
		newArchiveCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.LoadFromFile(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DB.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg, a.logger, a.logCloser = cfg, logger, closer
	return nil
}
