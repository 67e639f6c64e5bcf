// Package cli implements the entityvc command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"entityvc/internal/config"
	"entityvc/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "entityvc",
		Short: "Version control for live business entities",
		Long: `entityvc exports customers, devices, dashboards and the rest of the live
entity store into versioned snapshots on a branch, and loads them back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load configuration", err)
			}
			opts.config = cfg
			configureLogging(cfg.Log, opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or TOML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewBranchesCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewEntitiesCommand(opts))
	cmd.AddCommand(NewCommitCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewCompareCommand(opts))

	return cmd
}

func configureLogging(cfg config.LogConfig, verbose bool) {
	level := logger.LogLevel(cfg.Level)
	if verbose {
		level = logger.LogLevelDebug
	}
	components := make(map[string]logger.LogLevel, len(cfg.Components))
	for name, lvl := range cfg.Components {
		components[name] = logger.LogLevel(lvl)
	}
	logger.Configure(cfg.Format, level, components)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
