package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/meetflow/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meetflow",
		Short:         "Two-party meetings with multi-stream recording",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	root.Version = commit
	if built != "" {
		root.Version += " (" + built + ")"
	}

	root.AddCommand(newRelayCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newEndCmd())
	root.AddCommand(newJoinCmd())
	root.AddCommand(newRecordingsCmd())
	return root
}

// configCommand builds a subcommand whose flags are owned by config.Load, so
// the environment and the command line share one set of defaults.
func configCommand(use, short string, run func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args)
			if err != nil {
				if errors.Is(err, pflag.ErrHelp) {
					return nil
				}
				return usageError{err}
			}
			logger, err := config.NewLogger(cfg)
			if err != nil {
				return usageError{err}
			}
			slog.SetDefault(logger)
			return run(cmd, cfg, logger)
		},
	}
}
