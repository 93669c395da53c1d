package cmdblocks

import (
	"context"

	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// StatesCleanInsertionBlock computes every item's clean state.
type StatesCleanInsertionBlock struct{}

func (b *StatesCleanInsertionBlock) Name() string { return "states_clean_insertion" }

func (b *StatesCleanInsertionBlock) InputTypeNames() []string { return nil }

func (b *StatesCleanInsertionBlock) OutcomeTypeNames() []string {
	return []string{typeName[*resources.StatesClean]()}
}

func (b *StatesCleanInsertionBlock) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	clean := newResults()
	outcome := streamItems(ctx, v, v.Flow.Graph(), b.Name(), func(ctx context.Context, it item.ItemRt) error {
		id := it.ID()
		return runItemFn(ctx, id, "state_clean", func(fc item.FnCtx) error {
			s, err := it.StateCleanExec(v.Resources)
			if err != nil {
				return err
			}
			clean.set(id, s)
			return nil
		}, v)
	})

	resources.Insert(v.Resources, statesOf[ts.Clean](clean, v.Flow.ItemIDs()))
	return outcome, nil
}
