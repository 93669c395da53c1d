package rt

import (
	"context"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// EnsureCmd converges every item to its goal state.
//
// Current and goal states must have been discovered and stored before. They
// are discovered again, and an item whose stored state no longer matches is
// reported as stale instead of being applied.
type EnsureCmd struct {
	runner *Runner
}

// NewEnsureCmd creates an EnsureCmd.
func NewEnsureCmd(r *Runner) *EnsureCmd {
	return &EnsureCmd{runner: r}
}

func (c *EnsureCmd) blocks(command string, mode cmdblocks.ApplyMode) []cmdblocks.CmdBlock {
	return blocks(
		cmdblocks.StatesCurrentReadBlock(),
		cmdblocks.StatesGoalReadBlock(),
		cmdblocks.StatesDiscoverCurrentAndGoal(),
		cmdblocks.ApplyStateSyncCheckCurrentAndGoal(),
		cmdblocks.DiffCurrentGoal(),
		c.runner.policyBlock(command, mode.IsDry(), false),
		cmdblocks.ApplyExec(mode),
	)
}

// Exec applies every item that is not at its goal, then stores the
// resulting current states and the goal states.
func (c *EnsureCmd) Exec(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesEnsured], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.Ensured](c.runner.cmd.Flow.ItemIDs()),
		c.blocks("ensure", cmdblocks.ApplyModeEnsure)...,
	)
	return run(ctx, c.runner, "ensure", exec, func(ctx context.Context, v *cmdblocks.View) error {
		// States are only stored once the apply ran; stale items leave them untouched.
		if !resources.Contains[*resources.StatesEnsured](v.Resources) {
			return nil
		}
		if err := writeStates[ts.Current](ctx, v, v.Paths.StatesCurrent); err != nil {
			return err
		}
		return writeStates[ts.Goal](ctx, v, v.Paths.StatesGoal)
	})
}

// ExecDry reports the states ensure would produce without changing
// anything. Nothing is stored.
func (c *EnsureCmd) ExecDry(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesEnsuredDry], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.EnsuredDry](c.runner.cmd.Flow.ItemIDs()),
		c.blocks("ensure_dry", cmdblocks.ApplyModeEnsureDry)...,
	)
	return run(ctx, c.runner, "ensure_dry", exec, nil)
}
