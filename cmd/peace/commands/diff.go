package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newDiffCommand() *cobra.Command {
	var discover bool

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show the difference between current and goal states",
		Long: `Diff the current and goal state of each item.

By default the stored states of the last discovery are compared. With
--discover, both phases are discovered first.`,
		Example: `  # Diff stored states
  peace diff

  # Discover, then diff
  peace diff --discover`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := rt.DiffModeStored
			if discover {
				mode = rt.DiffModeDiscover
			}
			log.Debug().Str("mode", string(mode)).Msg("Diffing states")

			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			o, err := rt.NewDiffCmd(e.runner).Exec(ctx, mode)
			if err != nil {
				return err
			}
			if o.Value != nil {
				if err := e.out.WriteDiffs(o.Value); err != nil {
					return err
				}
			}
			return finish(e, "diff", o, false)
		},
	}

	cmd.Flags().BoolVar(&discover, "discover", false, "discover states before diffing")

	return cmd
}
