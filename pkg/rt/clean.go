package rt

import (
	"context"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// CleanCmd removes what ensure created, in reverse dependency order.
type CleanCmd struct {
	runner *Runner
}

// NewCleanCmd creates a CleanCmd.
func NewCleanCmd(r *Runner) *CleanCmd {
	return &CleanCmd{runner: r}
}

func (c *CleanCmd) blocks(command string, mode cmdblocks.ApplyMode) []cmdblocks.CmdBlock {
	return blocks(
		cmdblocks.StatesCurrentReadBlock(),
		cmdblocks.StatesDiscoverCurrent(),
		cmdblocks.ApplyStateSyncCheckCurrent(),
		&cmdblocks.StatesCleanInsertionBlock{},
		cmdblocks.DiffCurrentClean(),
		c.runner.policyBlock(command, mode.IsDry(), true),
		cmdblocks.ApplyExec(mode),
	)
}

// Exec cleans every item and stores the resulting current states.
func (c *CleanCmd) Exec(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesCleaned], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.Cleaned](c.runner.cmd.Flow.ItemIDs()),
		c.blocks("clean", cmdblocks.ApplyModeClean)...,
	)
	return run(ctx, c.runner, "clean", exec, func(ctx context.Context, v *cmdblocks.View) error {
		if !resources.Contains[*resources.StatesCleaned](v.Resources) {
			return nil
		}
		return writeStates[ts.Current](ctx, v, v.Paths.StatesCurrent)
	})
}

// ExecDry reports the states clean would produce without changing anything.
func (c *CleanCmd) ExecDry(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesCleanedDry], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.CleanedDry](c.runner.cmd.Flow.ItemIDs()),
		c.blocks("clean_dry", cmdblocks.ApplyModeCleanDry)...,
	)
	return run(ctx, c.runner, "clean_dry", exec, nil)
}
