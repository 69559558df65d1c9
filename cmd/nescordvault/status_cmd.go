package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd is an operator convenience beyond spec.md §6's minimum
// surface, in the spirit of the teacher's status_cmd.go: a quick,
// read-only snapshot of queue depth and AI spend admission mode, useful
// for monitoring without needing a full `verify` self-test run.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, dead-letter count, and AI spend mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			depth, err := rt.queue.Depth()
			if err != nil {
				return fail(exitDataError, "queue depth: %w", err)
			}
			dead, err := rt.queue.DeadLetterCount()
			if err != nil {
				return fail(exitDataError, "dead-letter count: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schema version: %d\n", rt.db.SchemaVersion())
			fmt.Fprintf(out, "queue: pending=%d leased=%d done=%d dead=%d\n",
				depth["pending"], depth["leased"], depth["done"], dead)

			for _, provider := range []string{rt.cfg.AI.Primary, rt.cfg.AI.Secondary} {
				if provider == "" {
					continue
				}
				check := rt.gov.CheckLimits(provider)
				fmt.Fprintf(out, "token governor[%s]: mode=%s ratio=%.2f\n", provider, check.Mode, check.Ratio)
			}
			return nil
		},
	}
}
