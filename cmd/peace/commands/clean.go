package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/rt"
)

func newCleanCommand() *cobra.Command {
	var (
		dry       bool
		protected []string
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove what the flow's items created",
		Long: `Bring every item to its clean state, in reverse dependency order.

Items are cleaned only after everything that depends on them. Cleaning in
the production profile is blocked by policy unless it is a dry run.`,
		Example: `  # Preview what would be removed
  peace clean --dry

  # Clean the staging profile
  peace clean --profile staging`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Bool("dry", dry).
				Strs("protected", protected).
				Msg("Cleaning items")

			e, ctx, err := openEnv(cmd.Context(), cmd, envOptions{protected: protected})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			clean := rt.NewCleanCmd(e.runner)
			if dry {
				o, err := clean.ExecDry(ctx)
				if err != nil {
					return err
				}
				if o.Value != nil {
					if err := e.out.WriteStates("cleaned_dry", o.Value); err != nil {
						return err
					}
				}
				return finish(e, "clean --dry", o, true)
			}

			o, err := clean.Exec(ctx)
			if err != nil {
				return err
			}
			if o.Value != nil {
				if err := e.out.WriteStates("cleaned", o.Value); err != nil {
					return err
				}
			}
			return finish(e, "clean", o, true)
		},
	}

	cmd.Flags().BoolVar(&dry, "dry", false, "simulate without making changes")
	cmd.Flags().StringSliceVar(&protected, "protect", nil, "item IDs that must not be changed")

	return cmd
}
