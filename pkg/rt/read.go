package rt

import (
	"context"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// StatesCurrentReadCmd reads the stored current states without touching
// the outside world.
type StatesCurrentReadCmd struct {
	runner *Runner
}

// NewStatesCurrentReadCmd creates a StatesCurrentReadCmd.
func NewStatesCurrentReadCmd(r *Runner) *StatesCurrentReadCmd {
	return &StatesCurrentReadCmd{runner: r}
}

// Exec fails with ErrCodeStatesCurrentDiscoverRequired if current states
// were never discovered.
func (c *StatesCurrentReadCmd) Exec(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesCurrentStored], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.CurrentStored](c.runner.cmd.Flow.ItemIDs()),
		cmdblocks.StatesCurrentReadBlock(),
	)
	return run(ctx, c.runner, "states_current_read", exec, nil)
}

// StatesGoalReadCmd reads the stored goal states.
type StatesGoalReadCmd struct {
	runner *Runner
}

// NewStatesGoalReadCmd creates a StatesGoalReadCmd.
func NewStatesGoalReadCmd(r *Runner) *StatesGoalReadCmd {
	return &StatesGoalReadCmd{runner: r}
}

func (c *StatesGoalReadCmd) Exec(ctx context.Context) (cmdblocks.CmdOutcome[*resources.StatesGoalStored], error) {
	exec := cmdblocks.NewCmdExecution(
		outcomeStates[ts.GoalStored](c.runner.cmd.Flow.ItemIDs()),
		cmdblocks.StatesGoalReadBlock(),
	)
	return run(ctx, c.runner, "states_goal_read", exec, nil)
}
