package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newEnsureCommand() *cobra.Command {
	var (
		dry       bool
		protected []string
	)

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Bring every item to its goal state",
		Long: `Bring every item to its goal state, in dependency order.

This command:
  - Discovers current and goal states
  - Checks them against the stored states of the last discovery
  - Evaluates policies over the diffs
  - Applies items whose state differs from the goal
  - Stores the ensured states as the new current states

With --dry, items simulate their changes and nothing is stored.`,
		Example: `  # Preview what would change
  peace ensure --dry

  # Apply, refusing to touch the database item
  peace ensure --protect database

  # Apply at most two items at a time
  peace ensure --parallelism 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Bool("dry", dry).
				Strs("protected", protected).
				Msg("Ensuring items")

			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{protected: protected})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			ensure := rt.NewEnsureCmd(e.runner)
			if dry {
				o, err := ensure.ExecDry(ctx)
				if err != nil {
					return err
				}
				if o.Value != nil {
					if err := e.out.WriteStates("ensured_dry", o.Value); err != nil {
						return err
					}
				}
				return finish(e, "ensure --dry", o, true)
			}

			o, err := ensure.Exec(ctx)
			if err != nil {
				return err
			}
			if o.Value != nil {
				if err := e.out.WriteStates("ensured", o.Value); err != nil {
					return err
				}
			}
			return finish(e, "ensure", o, true)
		},
	}

	cmd.Flags().BoolVar(&dry, "dry", false, "simulate without making changes")
	cmd.Flags().StringSliceVar(&protected, "protect", nil, "item IDs that must not be changed")

	return cmd
}
