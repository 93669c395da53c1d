package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newGoalCommand() *cobra.Command {
	var stored bool

	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Show the goal state of each item",
		Long: `Compute the goal state of each item from its params and store it.

With --stored, the goal states recorded by the last discovery are shown.`,
		Example: `  # Compute goal states
  peace goal

  # Show stored goal states as JSON
  peace goal --stored --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Bool("stored", stored).Msg("Showing goal states")

			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			if stored {
				o, err := rt.NewStatesGoalReadCmd(e.runner).Exec(ctx)
				if err != nil {
					return err
				}
				if o.Value != nil {
					if err := e.out.WriteStates("goal_stored", o.Value); err != nil {
						return err
					}
				}
				return finish(e, "goal", o, false)
			}

			o, err := rt.NewStatesDiscoverCmd(e.runner).Goal(ctx)
			if err != nil {
				return err
			}
			if o.Value.Goal != nil {
				if err := e.out.WriteStates("goal", o.Value.Goal); err != nil {
					return err
				}
			}
			return finish(e, "goal", o, false)
		},
	}

	cmd.Flags().BoolVar(&stored, "stored", false, "show stored goal states instead of discovering")

	return cmd
}
