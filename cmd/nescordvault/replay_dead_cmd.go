package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// replayDeadCmd implements spec.md §6's `replay-dead <seq>` subcommand:
// move one DeadItem back to pending.
func replayDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-dead <seq>",
		Short: "Move a dead-lettered queue item back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fail(exitConfigError, "invalid seq %q: %w", args[0], err)
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			newSeq, err := rt.queue.ReplayDead(seq)
			if err != nil {
				return fail(exitDataError, "replay dead item %d: %w", seq, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued dead item %d as pending seq %d\n", seq, newSeq)
			return nil
		},
	}
}
