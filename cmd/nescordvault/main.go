package main

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "nescordvault",
		Short: "NescordVault: a Discord-facing personal knowledge management bot",
		Long: `NescordVault captures notes from a chat platform, links and tags them,
indexes them for hybrid keyword+vector search, and mirrors them to a Git
remote as readable markdown.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(versionCmd())
	root.AddCommand(runCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(replayDeadCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		exitWithErr(err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nescordvault version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("nescordvault " + Version + "\n"))
			return err
		},
	}
}
