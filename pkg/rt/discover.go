package rt

import (
	"context"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// DiscoveredStates holds the current and goal states of a discovery. A
// phase that was not discovered has every item unknown.
type DiscoveredStates struct {
	Current *resources.StatesCurrent
	Goal    *resources.StatesGoal
}

// StatesDiscoverCmd discovers states and stores them, so that later
// commands can tell whether the outside world changed in between.
type StatesDiscoverCmd struct {
	runner *Runner
}

// NewStatesDiscoverCmd creates a StatesDiscoverCmd.
func NewStatesDiscoverCmd(r *Runner) *StatesDiscoverCmd {
	return &StatesDiscoverCmd{runner: r}
}

// Current discovers and stores current states.
func (c *StatesDiscoverCmd) Current(ctx context.Context) (cmdblocks.CmdOutcome[DiscoveredStates], error) {
	return c.exec(ctx, "discover_current", cmdblocks.StatesDiscoverCurrent())
}

// Goal discovers and stores goal states.
func (c *StatesDiscoverCmd) Goal(ctx context.Context) (cmdblocks.CmdOutcome[DiscoveredStates], error) {
	return c.exec(ctx, "discover_goal", cmdblocks.StatesDiscoverGoal())
}

// CurrentAndGoal discovers and stores both in one pass over the graph.
func (c *StatesDiscoverCmd) CurrentAndGoal(ctx context.Context) (cmdblocks.CmdOutcome[DiscoveredStates], error) {
	return c.exec(ctx, "discover", cmdblocks.StatesDiscoverCurrentAndGoal())
}

func (c *StatesDiscoverCmd) exec(ctx context.Context, command string, block *cmdblocks.StatesDiscoverBlock) (cmdblocks.CmdOutcome[DiscoveredStates], error) {
	ids := c.runner.cmd.Flow.ItemIDs()
	exec := cmdblocks.NewCmdExecution(func(res *resources.Resources) (DiscoveredStates, error) {
		current, err := cloned[ts.Current](res, ids)
		if err != nil {
			return DiscoveredStates{}, err
		}
		goal, err := cloned[ts.Goal](res, ids)
		if err != nil {
			return DiscoveredStates{}, err
		}
		return DiscoveredStates{Current: current, Goal: goal}, nil
	},
		// Stored current states become the previous states.
		&cmdblocks.StatesReadBlock[ts.CurrentStored]{Optional: true},
		block,
	)

	return run(ctx, c.runner, command, exec, func(ctx context.Context, v *cmdblocks.View) error {
		if block.Current {
			if err := writeStates[ts.Current](ctx, v, v.Paths.StatesCurrent); err != nil {
				return err
			}
		}
		if block.Goal {
			return writeStates[ts.Goal](ctx, v, v.Paths.StatesGoal)
		}
		return nil
	})
}
