package cmdblocks

import (
	"context"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// DiffBlock diffs the states tagged From against those tagged To. Items
// with an unknown state on either side get an unknown diff.
type DiffBlock[From, To any] struct{}

// DiffCurrentGoal diffs discovered current states against goal states.
func DiffCurrentGoal() *DiffBlock[ts.Current, ts.Goal] {
	return &DiffBlock[ts.Current, ts.Goal]{}
}

// DiffStoredCurrentGoal diffs stored current states against stored goal states.
func DiffStoredCurrentGoal() *DiffBlock[ts.CurrentStored, ts.GoalStored] {
	return &DiffBlock[ts.CurrentStored, ts.GoalStored]{}
}

// DiffCurrentClean diffs discovered current states against clean states.
func DiffCurrentClean() *DiffBlock[ts.Current, ts.Clean] {
	return &DiffBlock[ts.Current, ts.Clean]{}
}

func (b *DiffBlock[From, To]) Name() string {
	var from From
	var to To
	return "diff_" + ts.Name(from) + "_" + ts.Name(to)
}

func (b *DiffBlock[From, To]) InputTypeNames() []string {
	return []string{
		typeName[*resources.States[From]](),
		typeName[*resources.States[To]](),
	}
}

func (b *DiffBlock[From, To]) OutcomeTypeNames() []string {
	return []string{typeName[*resources.StateDiffs]()}
}

func (b *DiffBlock[From, To]) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	from, err := cloneStates[From](v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}
	to, err := cloneStates[To](v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}

	diffs := newResults()
	outcome := streamItems(ctx, v, v.Flow.Graph(), b.Name(), func(ctx context.Context, it item.ItemRt) error {
		id := it.ID()
		a, _ := from.Get(id)
		z, _ := to.Get(id)

		return runItemFn(ctx, id, "state_diff", func(fc item.FnCtx) error {
			d, err := it.StateDiffExec(v.Resources, a, z)
			if err != nil {
				return err
			}
			if d != nil {
				diffs.set(id, d)
				v.Statuses.Advance(id, engine.ItemStatusCurrentKnown, engine.ItemStatusGoalKnown, engine.ItemStatusDiffKnown)
			}
			return nil
		}, v)
	})

	out := resources.NewStateDiffs()
	for _, id := range v.Flow.ItemIDs() {
		d, _ := diffs.get(id)
		out.Insert(id, d)
	}
	resources.Insert(v.Resources, out)
	return outcome, nil
}
