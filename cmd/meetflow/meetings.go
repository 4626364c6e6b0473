package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/meetflow/internal/backend"
	"github.com/wilsonzlin/meetflow/internal/config"
)

func newCreateCmd() *cobra.Command {
	return configCommand("create", "Create a meeting and print its id", func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
		api, err := newAPIClient(cfg, logger)
		if err != nil {
			return usageError{err}
		}
		m, err := api.CreateMeeting(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), m.MeetID)
		return nil
	})
}

func newEndCmd() *cobra.Command {
	return configCommand("end", "End a meeting (--meet)", func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
		if cfg.MeetID == "" {
			return usageError{fmt.Errorf("--meet is required")}
		}
		api, err := newAPIClient(cfg, logger)
		if err != nil {
			return usageError{err}
		}
		return api.EndMeeting(cmd.Context(), cfg.MeetID)
	})
}

func newRecordingsCmd() *cobra.Command {
	return configCommand("recordings", "List a meeting's recordings grouped by participant (--meet)", func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
		if cfg.MeetID == "" {
			return usageError{fmt.Errorf("--meet is required")}
		}
		api, err := newAPIClient(cfg, logger)
		if err != nil {
			return usageError{err}
		}
		store, err := newArtifactBackend(cmd.Context(), cfg, api, logger)
		if err != nil {
			return err
		}
		records, err := store.ListRecordings(cmd.Context(), cfg.MeetID)
		if err != nil {
			return err
		}
		return printRecordingGroups(cmd, backend.GroupRecordings(records))
	})
}

func printRecordingGroups(cmd *cobra.Command, groups []backend.RecordingGroup) error {
	out := cmd.OutOrStdout()
	if len(groups) == 0 {
		fmt.Fprintln(out, "no recordings")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tNAME\tSTREAM\tVIDEO\tAUDIO")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.UserID, g.UserName, g.Label, describeRecord(g.Video), describeRecord(g.Audio))
	}
	return tw.Flush()
}

func describeRecord(r *backend.StoredRecord) string {
	if r == nil {
		return "-"
	}
	name := r.Filepath
	if name == "" {
		name = r.Filename
	}
	return fmt.Sprintf("%s (%d bytes)", name, r.Size)
}

