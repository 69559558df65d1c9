package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// runCmd implements spec.md §6's `run` subcommand: start the bot. With no
// chat-platform adapter in scope, "the bot" is its core long-running
// loops — the Batch Processor draining the Persistent Queue into Git, and
// the Sync Coordinator reconciling the Vector Store — run side by side
// until interrupted, with the on_event entry point (runtime.withCore)
// wired and ready for that adapter to call.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot's core processing loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				rt.log.Info("received interrupt, shutting down")
				cancel()
			}()

			if err := rt.withSync(); err != nil {
				return err
			}
			if err := rt.withBatch(ctx); err != nil {
				return err
			}
			if err := rt.withCore(); err != nil {
				return err
			}

			if reaped, err := rt.queue.RecoverOnStartup(); err != nil {
				return fail(exitDataError, "recover leases on startup: %w", err)
			} else if reaped > 0 {
				rt.log.Info("reaped %d expired lease(s) from a prior run", reaped)
			}

			errCh := make(chan error, 2)
			go func() { errCh <- rt.sync.Run(ctx) }()
			go func() { errCh <- rt.batch.Run(ctx) }()

			for i := 0; i < 2; i++ {
				if err := <-errCh; err != nil && ctx.Err() == nil {
					cancel()
					return fail(exitInternalError, "core loop failed: %w", err)
				}
			}

			if ctx.Err() != nil {
				return fail(exitInterrupted, "interrupted")
			}
			return nil
		},
	}
}
