package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newStatusCommand() *cobra.Command {
	var stored bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current state of each item",
		Long: `Discover the current state of each item and store it.

With --stored, the states recorded by the last discovery are shown instead
and nothing is discovered.`,
		Example: `  # Discover current states
  peace status

  # Show the states stored by the last discovery, as YAML
  peace status --stored -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Bool("stored", stored).Msg("Showing current states")

			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			if stored {
				o, err := rt.NewStatesCurrentReadCmd(e.runner).Exec(ctx)
				if err != nil {
					return err
				}
				if o.Value != nil {
					if err := e.out.WriteStates("current_stored", o.Value); err != nil {
						return err
					}
				}
				return finish(e, "status", o, false)
			}

			o, err := rt.NewStatesDiscoverCmd(e.runner).Current(ctx)
			if err != nil {
				return err
			}
			if o.Value.Current != nil {
				if err := e.out.WriteStates("current", o.Value.Current); err != nil {
					return err
				}
			}
			return finish(e, "status", o, false)
		},
	}

	cmd.Flags().BoolVar(&stored, "stored", false, "show stored states instead of discovering")

	return cmd
}
