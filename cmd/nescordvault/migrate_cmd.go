package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nescordvault/nescordvault/internal/config"
	"github.com/nescordvault/nescordvault/internal/relstore"
)

// migrateCmd implements spec.md §6's `migrate` subcommand. relstore.Open
// already applies every pending migration and fails fatally on a
// migration checksum mismatch (spec.md §4.B), so this command is just
// Open-then-report; a bare `nescordvault run` would do the same thing
// implicitly, but operators want a command that only does that and exits.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.EnsureDataDirs(); err != nil {
				return fail(exitConfigError, "prepare data directories: %w", err)
			}
			db, err := relstore.Open(config.DBPath())
			if err != nil {
				return fail(exitDataError, "apply migrations: %w", err)
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", db.SchemaVersion())
			return nil
		},
	}
}
