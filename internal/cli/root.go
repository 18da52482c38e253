// Package cli wires the command surface: run, validate, and version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "mangonel",
	Short:   "Staged HTTP load harness with threshold verdicts",
	Version: version,
	Long: `Mangonel drives staged HTTP load against a target service, evaluates
threshold rules while the run is in flight, samples a resource-snapshot
collaborator at labeled checkpoints, and closes the run with a
reproducible PASS or FAIL verdict plus a bottleneck classification.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, print help
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Add subcommands to root command
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(versionCmd)
}
