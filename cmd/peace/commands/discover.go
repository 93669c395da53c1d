package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover current and goal states",
		Long: `Discover both the current and the goal state of each item and store them.

ensure and clean compare what they see against these stored states and
refuse to act when the outside world changed since the last discovery.`,
		Example: `  peace discover`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			o, err := rt.NewStatesDiscoverCmd(e.runner).CurrentAndGoal(ctx)
			if err != nil {
				return err
			}
			if o.Value.Current != nil {
				if err := e.out.WriteStates("current", o.Value.Current); err != nil {
					return err
				}
			}
			if o.Value.Goal != nil {
				if err := e.out.WriteStates("goal", o.Value.Goal); err != nil {
					return err
				}
			}
			return finish(e, "discover", o, false)
		},
	}

	return cmd
}
