// Package cli implements bookctl, which inspects job tables on disk without
// a running server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"book-pipeline/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	dataDir string
	output  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "bookctl",
		Short:         "Inspect book pipeline jobs",
		Long:          "Reads the job tables in the data directory and prints jobs and their audit events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("data-dir") {
				opts.dataDir = config.Load().DataDir
			}
			return validateOutputFormat(opts.output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "./data", "Directory holding the CSV tables (default $DATA_DIR)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format (table, json)")

	rootCmd.AddCommand(newJobsCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bookctl %s (%s)\n", version, commit)
		},
	}
}
