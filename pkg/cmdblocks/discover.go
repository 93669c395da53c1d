package cmdblocks

import (
	"context"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// StatesDiscoverBlock discovers current states, goal states, or both.
//
// Items whose state cannot be discovered yet, for example because a
// predecessor does not exist, get an unknown entry. When current states are
// discovered and stored current states are in the resource store, those are
// kept as the previous states.
type StatesDiscoverBlock struct {
	Current bool
	Goal    bool
}

// StatesDiscoverCurrent discovers current states.
func StatesDiscoverCurrent() *StatesDiscoverBlock {
	return &StatesDiscoverBlock{Current: true}
}

// StatesDiscoverGoal discovers goal states.
func StatesDiscoverGoal() *StatesDiscoverBlock {
	return &StatesDiscoverBlock{Goal: true}
}

// StatesDiscoverCurrentAndGoal discovers both in one pass.
func StatesDiscoverCurrentAndGoal() *StatesDiscoverBlock {
	return &StatesDiscoverBlock{Current: true, Goal: true}
}

func (b *StatesDiscoverBlock) Name() string {
	switch {
	case b.Current && b.Goal:
		return "states_discover"
	case b.Goal:
		return "states_discover_goal"
	default:
		return "states_discover_current"
	}
}

func (b *StatesDiscoverBlock) InputTypeNames() []string { return nil }

func (b *StatesDiscoverBlock) OutcomeTypeNames() []string {
	var names []string
	if b.Current {
		names = append(names, typeName[*resources.StatesCurrent]())
	}
	if b.Goal {
		names = append(names, typeName[*resources.StatesGoal]())
	}
	return names
}

func (b *StatesDiscoverBlock) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	current := newResults()
	goal := newResults()
	r := v.Resources

	outcome := streamItems(ctx, v, v.Flow.Graph(), b.Name(), func(ctx context.Context, it item.ItemRt) error {
		id := it.ID()
		sender := v.sender(id)

		if b.Current {
			err := runItemFn(ctx, id, "try_state_current", func(fc item.FnCtx) error {
				s, err := it.StateCurrentTryExec(fc, r)
				if err != nil {
					return err
				}
				if s != nil {
					current.set(id, s)
					v.Statuses.Advance(id, engine.ItemStatusCurrentKnown)
				}
				return nil
			}, v)
			if err != nil {
				sender.Complete(progress.CompleteFail, err.Error())
				return err
			}
			sender.Reset()
		}

		if b.Goal {
			err := runItemFn(ctx, id, "try_state_goal", func(fc item.FnCtx) error {
				s, err := it.StateGoalTryExec(fc, r)
				if err != nil {
					return err
				}
				if s != nil {
					goal.set(id, s)
					v.Statuses.Advance(id, engine.ItemStatusGoalKnown)
				}
				return nil
			}, v)
			if err != nil {
				sender.Complete(progress.CompleteFail, err.Error())
				return err
			}
		}

		sender.Complete(progress.CompleteSuccess, "discovered")
		return nil
	})

	ids := v.Flow.ItemIDs()
	if b.Current {
		if resources.Contains[*resources.StatesCurrentStored](r) {
			stored, err := cloneStates[ts.CurrentStored](r)
			if err != nil {
				return outcome, err
			}
			resources.Insert(r, resources.Retag[ts.Previous](stored))
		}
		resources.Insert(r, statesOf[ts.Current](current, ids))
	}
	if b.Goal {
		resources.Insert(r, statesOf[ts.Goal](goal, ids))
	}
	return outcome, nil
}
