package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nescordvault/nescordvault/internal/config"
)

// verifyCmd implements spec.md §6's `verify` subcommand and P7's startup
// self-test: open every store, run the Vector Store's canary check
// (spec.md §4.J), and run the Relational Store's integrity check, exiting
// 0 if every check passes and a taxonomy-appropriate non-zero code
// otherwise — without starting any long-running loop.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run startup self-tests and exit 0/1",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.db.IntegrityCheck(); err != nil {
				return fail(exitDataError, "relational store integrity check: %w", err)
			}
			if err := rt.vec.VerifyStartup(config.VectorDir()); err != nil {
				return fail(exitDataError, "vector store canary check: %w", err)
			}

			if rt.cfg.Git.RemoteURL != "" {
				if err := rt.withGit(cmd.Context()); err != nil {
					return err
				}
				ok, err := rt.authProvider.VerifyAccess(cmd.Context())
				if err != nil || !ok {
					return fail(exitServiceDown, "git credential verification failed: %v", err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
