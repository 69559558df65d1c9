package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// reconcileCmd implements spec.md §6's `reconcile` subcommand: force one
// Sync Coordinator pass outside the normal ticker interval and exit.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Force a Sync Coordinator reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.withSync(); err != nil {
				return err
			}
			upserted, purged, err := rt.sync.Reconcile(cmd.Context())
			if err != nil {
				return fail(exitInternalError, "reconciliation pass failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d note(s), purged %d deleted vector row(s)\n", upserted, purged)
			return nil
		},
	}
}
