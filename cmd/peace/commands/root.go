package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/output"
)

var (
	// Global flags
	workspaceDir string
	profileName  string
	flowID       string
	outputFormat string
	jsonOutput   bool
	verbose      bool
	parallelism  int

	metricsAddr   string
	traceExporter string
	traceEndpoint string

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		writeError(rootCmd, err)
	}
	return err
}

// writeError reports err on stderr in the selected output format.
func writeError(cmd *cobra.Command, err error) {
	format, perr := output.ParseFormat(outputFormat)
	if perr != nil {
		format = output.FormatText
	}
	if jsonOutput {
		format = output.FormatJSON
	}
	_ = output.NewCLIOutput(cmd.ErrOrStderr(), format).WriteError(err)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peace",
		Short: "peace - Declarative state reconciliation",
		Long: `peace brings items to their goal state and keeps a record of what it did.

A workspace holds a peace.cue file that declares a flow: a set of items with
dependencies between them. For each item peace can discover the current and
goal states, diff them, apply the difference and clean up afterwards.

States, diffs and params specs are stored per profile and flow under .peace/.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "workspace directory (default: nearest directory with peace.cue)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "profile to use (default: from peace.cue, else \"default\")")
	rootCmd.PersistentFlags().StringVar(&flowID, "flow", "", "flow ID, overriding the one in peace.cue")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, yaml or json")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().IntVar(&parallelism, "parallelism", 0, "max items run at once (default: from peace.cue, else unlimited)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace", "", "export traces: stdout or otlp")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint for --trace otlp")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newGoalCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newEnsureCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
