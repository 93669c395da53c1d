package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/config"
	"github.com/openfroyo/peace/pkg/output"
	"github.com/openfroyo/peace/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace flow definition",
		Long: `Validate peace.cue without discovering or changing anything.

This command checks:
  - CUE syntax and schema conformance
  - Item IDs, kinds and dependencies, including cycles
  - Mapping function references and expressions
  - Policy files listed in the definition

With --watch, the policy files stay loaded and are recompiled whenever one
changes, until interrupted.`,
		Example: `  # Validate the nearest workspace
  peace validate

  # Validate another workspace
  peace validate --workspace ./envs/staging

  # Recompile policies as they are edited
  peace validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := outputWriter(cmd)
			if err != nil {
				return err
			}
			ws, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Debug().Str("workspace", ws.Root()).Msg("Validating flow definition")

			def, err := cfg.Build(config.DefaultKinds())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pe, err := policyEngine(ctx, ws, cfg)
			if err != nil {
				return err
			}

			err = out.WriteMessage(fmt.Sprintf("✓ Flow %s is valid: %d item(s), %d mapping function(s), %d policies",
				def.Flow.ID(), len(def.Flow.ItemIDs()), len(def.MappingFns.IDs()), len(pe.ListPolicies())))
			if err != nil || !watch {
				return err
			}
			return watchPolicies(ctx, pe, out)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Recompile policy files when they change")

	return cmd
}

// watchPolicies reports each policy reload until ctx is done.
func watchPolicies(ctx context.Context, pe *policy.Engine, out output.OutputWriter) error {
	var mu sync.Mutex
	err := pe.Watch(ctx, func(count int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			_ = out.WriteError(fmt.Errorf("policy reload failed: %w", err))
			return
		}
		_ = out.WriteMessage(fmt.Sprintf("✓ Policies reloaded: %d policies", count))
	})
	if err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}

	log.Info().Msg("Watching policy files, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}
