package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mangonel/internal/config"
	"mangonel/internal/engine"
	"mangonel/internal/output"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load scenario and judge the result",
	Long: `Execute staged HTTP load against a target, watch threshold rules while
the run is in flight, and close with a PASS or FAIL verdict.

Config file mode:
  mangonel run --config soak.yaml

Quick mode (single GET scenario):
  mangonel run --url https://api.example.com/health \
    --stages "30s:10,2m:10,30s:0"

The exit code is 1 when the verdict is FAIL or the run aborts.`,
	Run: func(cmd *cobra.Command, args []string) {
		runLoad(cmd)
	},
}

func runLoad(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	url, _ := cmd.Flags().GetString("url")
	stages, _ := cmd.Flags().GetString("stages")
	name, _ := cmd.Flags().GetString("name")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	outputPath, _ := cmd.Flags().GetString("output")
	jsonOut, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")
	verbose, _ := cmd.Flags().GetBool("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	case url != "":
		cfg, err = buildQuickConfig(url, stages, name, timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building config: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "Error: either --config or --url is required")
		cmd.Help()
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.Settings.MetricsAddr = metricsAddr
	}

	logger, err := buildLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// With --json the artifact goes to stdout, so the console stays silent.
	console := output.NewConsole(output.ConsoleConfig{
		NoColor: noColor,
		Quiet:   quiet || jsonOut,
	})
	console.PrintHeader(cfg.Name, cfg.Description)

	// Ctrl-C drains in-flight requests and still produces a judged summary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	var summary *engine.Summary
	var runErr error
	go func() {
		defer close(done)
		summary, runErr = eng.Run(ctx)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

progress:
	for {
		select {
		case <-done:
			break progress
		case <-ticker.C:
			window, ok := eng.View()
			if !ok {
				continue
			}
			stats := output.StatsFromRun(window, eng.Progress())
			if console.IsTTY() {
				console.Update(stats)
			} else {
				console.Tick(stats)
			}
		}
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error running test: %v\n", runErr)
		// The summary still prints; aborted runs are judged too.
	}

	if jsonOut {
		if summary != nil {
			if err := output.EncodeJSON(os.Stdout, summary); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding summary: %v\n", err)
			}
		}
	} else {
		console.PrintSummary(summary)
	}

	if outputPath != "" && summary != nil {
		if err := output.WriteJSON(outputPath, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing summary: %v\n", err)
		} else if !quiet && !jsonOut {
			fmt.Printf("Summary written to %s\n", outputPath)
		}
	}

	// Exit with error code if the run failed its verdict
	if summary != nil && !summary.Passed() {
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// buildQuickConfig assembles a single-scenario GET run from flags.
func buildQuickConfig(url, stagesStr, name string, timeout time.Duration) (*config.Config, error) {
	if stagesStr == "" {
		return nil, fmt.Errorf("quick mode needs --stages, e.g. \"30s:10,2m:10,30s:0\"")
	}
	stages, err := parseStages(stagesStr)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "quick"
	}

	cfg := &config.Config{
		Name: name,
		Scenarios: map[string]*config.Scenario{
			"quick": {
				Stages: stages,
				Request: config.RequestSpec{
					Method: "GET",
					URL:    url,
				},
			},
		},
	}
	if timeout > 0 {
		cfg.Settings.Timeout = config.Duration(timeout)
	}
	return cfg, nil
}

// parseStages parses the CLI curve format "30s:10,2m:10,30s:0".
func parseStages(spec string) ([]config.Stage, error) {
	var stages []config.Stage

	for i, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.LastIndex(part, ":")
		if idx < 0 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target', got %q", i+1, part)
		}

		d, err := time.ParseDuration(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration %q: %w", i+1, part[:idx], err)
		}
		target, err := strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target %q: %w", i+1, part[idx+1:], err)
		}

		stages = append(stages, config.Stage{
			Duration: config.Duration(d),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	return stages, nil
}

// buildLogger builds the process logger: human-readable debug output under
// --verbose, warnings and up otherwise so the live display stays clean.
func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Run configuration file (YAML)")
	runCmd.Flags().String("url", "", "Target URL for quick mode (alternative to --config)")
	runCmd.Flags().String("stages", "", "Quick-mode curve as 'duration:target,...', e.g. \"30s:10,2m:10,30s:0\"")
	runCmd.Flags().String("name", "", "Run name in quick mode (default \"quick\")")
	runCmd.Flags().DurationP("timeout", "t", 0, "Per-request timeout in quick mode (default 30s)")
	runCmd.Flags().StringP("output", "o", "", "Write the JSON run summary to this file")
	runCmd.Flags().Bool("json", false, "Print the JSON run summary to stdout instead of the console report")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress live progress, print only the verdict")
	runCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	runCmd.Flags().String("metrics-addr", "", "Serve live harness metrics on this address, e.g. :9090")
}
