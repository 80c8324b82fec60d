package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"OpenAudit/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batch progress from the state file",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := state.Load(cfg.Batch.StateFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State:     %s\n", cfg.Batch.StateFile)
	fmt.Fprintf(out, "Completed: %d\n", len(snap.Completed))
	fmt.Fprintf(out, "Failed:    %d\n", len(snap.Failed))
	fmt.Fprintf(out, "Pending:   %d\n", len(snap.Pending))
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(out, "Started:   %s\n", snap.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if !snap.LastUpdated.IsZero() {
		fmt.Fprintf(out, "Updated:   %s\n", snap.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	if len(snap.Failed) > 0 {
		fmt.Fprintf(out, "Failures:\n")
		for _, f := range snap.Failed {
			fmt.Fprintf(out, "  %s [%s/%s] %s\n", f.ID, f.Phase, f.Reason, f.Error)
		}
	}
	return nil
}
