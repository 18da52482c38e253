package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mangonel/internal/config"
	"mangonel/internal/output"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config file>",
	Short: "Check a run configuration without executing it",
	Long: `Load a run configuration, apply defaults, and run full validation:
schema shape, stage durations, request specs, threshold expressions,
and checkpoint labels. Exits 1 when the configuration is invalid.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")

		cfg, err := config.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", output.FailIcon(noColor), args[0], err)
			os.Exit(1)
		}

		fmt.Printf("%s %s is valid: %d scenarios, %d threshold rules, %d checkpoints\n",
			output.PassIcon(noColor), args[0], len(cfg.Scenarios), len(cfg.Thresholds), len(cfg.Checkpoints))
	},
}

func init() {
	validateCmd.Flags().Bool("no-color", false, "Disable colored output")
}
