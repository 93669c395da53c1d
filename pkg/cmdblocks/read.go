package cmdblocks

import (
	"context"
	"fmt"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/telemetry"
	"github.com/openfroyo/peace/pkg/workspace"
)

// StatesReadBlock reads stored states of the phase TS into the resource
// store. TS is ts.CurrentStored or ts.GoalStored.
type StatesReadBlock[TS any] struct {
	// Optional skips a missing file instead of failing the block.
	Optional bool
}

// StatesCurrentReadBlock reads the stored current states.
func StatesCurrentReadBlock() *StatesReadBlock[ts.CurrentStored] {
	return &StatesReadBlock[ts.CurrentStored]{}
}

// StatesGoalReadBlock reads the stored goal states.
func StatesGoalReadBlock() *StatesReadBlock[ts.GoalStored] {
	return &StatesReadBlock[ts.GoalStored]{}
}

func (b *StatesReadBlock[TS]) Name() string {
	var tag TS
	return "states_" + ts.Name(tag) + "_read"
}

func (b *StatesReadBlock[TS]) InputTypeNames() []string { return nil }

func (b *StatesReadBlock[TS]) OutcomeTypeNames() []string {
	return []string{typeName[*resources.States[TS]]()}
}

func (b *StatesReadBlock[TS]) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	path, err := statesPath[TS](v.Paths)
	if err != nil {
		return CmdBlockOutcome{}, err
	}

	var states *resources.States[TS]
	if b.Optional {
		var ok bool
		states, ok, err = storage.ReadStatesOpt[TS](ctx, v.Storage, path, v.Flow.StatesTypeReg(), v.Flow.ItemIDs())
		if err == nil && !ok {
			telemetry.FromContext(ctx).WithField("path", path).Debug("no stored states")
			return Single(), nil
		}
	} else {
		states, err = storage.ReadStates[TS](ctx, v.Storage, path, v.Flow.StatesTypeReg(), v.Flow.ItemIDs())
	}
	if err != nil {
		return CmdBlockOutcome{}, err
	}

	resources.Insert(v.Resources, states)
	return Single(), nil
}

// statesPath returns the file states tagged TS are stored in.
func statesPath[TS any](p workspace.Paths) (string, error) {
	var tag TS
	switch any(tag).(type) {
	case ts.Current, ts.CurrentStored:
		return p.StatesCurrent, nil
	case ts.Goal, ts.GoalStored:
		return p.StatesGoal, nil
	default:
		return "", engine.NewPermanentError(fmt.Sprintf("%s states are not stored", ts.Name(tag)), nil).
			WithCode(engine.ErrCodeValidation)
	}
}
