package rt

import (
	"context"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/resources"
)

// DiffMode selects which states a DiffCmd compares.
type DiffMode string

const (
	// DiffModeStored compares the stored current and goal states.
	DiffModeStored DiffMode = "stored"

	// DiffModeDiscover discovers current and goal states first.
	DiffModeDiscover DiffMode = "discover"
)

// DiffCmd shows what ensure would change, item by item.
type DiffCmd struct {
	runner *Runner
}

// NewDiffCmd creates a DiffCmd.
func NewDiffCmd(r *Runner) *DiffCmd {
	return &DiffCmd{runner: r}
}

// Exec diffs current against goal states and stores the diffs.
func (c *DiffCmd) Exec(ctx context.Context, mode DiffMode) (cmdblocks.CmdOutcome[*resources.StateDiffs], error) {
	var blocks []cmdblocks.CmdBlock
	switch mode {
	case DiffModeDiscover:
		blocks = []cmdblocks.CmdBlock{
			cmdblocks.StatesDiscoverCurrentAndGoal(),
			cmdblocks.DiffCurrentGoal(),
		}
	default:
		blocks = []cmdblocks.CmdBlock{
			cmdblocks.StatesCurrentReadBlock(),
			cmdblocks.StatesGoalReadBlock(),
			cmdblocks.DiffStoredCurrentGoal(),
		}
	}

	ids := c.runner.cmd.Flow.ItemIDs()
	exec := cmdblocks.NewCmdExecution(func(res *resources.Resources) (*resources.StateDiffs, error) {
		out := resources.NewStateDiffs()
		ref, err := resources.TryBorrow[*resources.StateDiffs](res)
		if err != nil {
			if resources.IsNotFound(err) {
				out.EnsureAll(ids)
				return out, nil
			}
			return nil, err
		}
		defer ref.Release()
		out.States = *ref.Get().Clone()
		return out, nil
	}, blocks...)

	return run(ctx, c.runner, "diff", exec, writeDiffs)
}
