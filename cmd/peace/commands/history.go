package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		offset   int
		allFlows bool
	)

	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "Show past command executions",
		Long: `List the commands run in this profile, newest first.

With an execution ID, show that execution with the outcome of each item.`,
		Example: `  # Last 20 executions of the flow
  peace history

  # Executions of every flow in the profile
  peace history --all-flows --limit 50

  # One execution in detail
  peace history 4f0c6a1e-2b7d-4c55-9a0e-8d1f3b2c6e77 -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := outputWriter(cmd)
			if err != nil {
				return err
			}
			ws, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := openStore(ctx, historyPath(ws))
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				exec, err := store.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return out.WriteExecution(exec)
			}

			var flow *string
			if !allFlows {
				flow = &cfg.Flow.ID
			}
			log.Debug().
				Int("limit", limit).
				Int("offset", offset).
				Bool("all_flows", allFlows).
				Msg("Listing executions")

			execs, err := store.ListExecutions(ctx, flow, limit, offset)
			if err != nil {
				return err
			}
			return out.WriteExecutions(execs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max executions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "executions to skip")
	cmd.Flags().BoolVar(&allFlows, "all-flows", false, "list executions of every flow in the profile")

	return cmd
}
