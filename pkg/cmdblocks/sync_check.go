package cmdblocks

import (
	"context"
	"fmt"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// ApplyStateSyncCheckBlock checks that the stored states an apply is based
// on still match what was just discovered. An item whose outside world
// changed since the states were stored is reported as stale, so that the
// user reviews the new states before anything is applied.
type ApplyStateSyncCheckBlock struct {
	Current bool
	Goal    bool
}

// ApplyStateSyncCheckCurrent checks stored current states.
func ApplyStateSyncCheckCurrent() *ApplyStateSyncCheckBlock {
	return &ApplyStateSyncCheckBlock{Current: true}
}

// ApplyStateSyncCheckCurrentAndGoal checks stored current and goal states.
func ApplyStateSyncCheckCurrentAndGoal() *ApplyStateSyncCheckBlock {
	return &ApplyStateSyncCheckBlock{Current: true, Goal: true}
}

func (b *ApplyStateSyncCheckBlock) Name() string { return "apply_state_sync_check" }

func (b *ApplyStateSyncCheckBlock) InputTypeNames() []string {
	var names []string
	if b.Current {
		names = append(names, typeName[*resources.StatesCurrentStored](), typeName[*resources.StatesCurrent]())
	}
	if b.Goal {
		names = append(names, typeName[*resources.StatesGoalStored](), typeName[*resources.StatesGoal]())
	}
	return names
}

func (b *ApplyStateSyncCheckBlock) OutcomeTypeNames() []string { return nil }

type statePair struct {
	phase              string
	stored, discovered interface {
		Get(resources.ItemID) (any, bool)
	}
}

func (b *ApplyStateSyncCheckBlock) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	var pairs []statePair
	if b.Current {
		stored, err := cloneStates[ts.CurrentStored](v.Resources)
		if err != nil {
			return CmdBlockOutcome{}, err
		}
		discovered, err := cloneStates[ts.Current](v.Resources)
		if err != nil {
			return CmdBlockOutcome{}, err
		}
		pairs = append(pairs, statePair{phase: "current", stored: stored, discovered: discovered})
	}
	if b.Goal {
		stored, err := cloneStates[ts.GoalStored](v.Resources)
		if err != nil {
			return CmdBlockOutcome{}, err
		}
		discovered, err := cloneStates[ts.Goal](v.Resources)
		if err != nil {
			return CmdBlockOutcome{}, err
		}
		pairs = append(pairs, statePair{phase: "goal", stored: stored, discovered: discovered})
	}

	outcome := CmdBlockOutcome{
		ItemWise: true,
		StreamOutcome: engine.StreamOutcome{
			State: engine.StreamFinished,
		},
		Errors: make(map[resources.ItemID]error),
	}

	// Checked in insertion order on this goroutine.
	items := v.Flow.Graph().IterInsertion()
	for i, it := range items {
		if v.interrupted(ctx) {
			for _, rest := range items[i:] {
				outcome.StreamOutcome.ItemIDsNotProcessed = append(outcome.StreamOutcome.ItemIDsNotProcessed, rest.ID())
				v.Statuses.NotProcessed(rest.ID())
			}
			outcome.StreamOutcome.State = engine.StreamInterrupted
			if i == 0 {
				outcome.StreamOutcome.State = engine.StreamNotStarted
			}
			break
		}

		id := it.ID()
		outcome.StreamOutcome.ItemIDsProcessed = append(outcome.StreamOutcome.ItemIDsProcessed, id)
		for _, p := range pairs {
			if err := checkInSync(ctx, it, p); err != nil {
				outcome.Errors[id] = err
				v.Statuses.Fail(id)
				v.sender(id).Complete(progress.CompleteFail, err.Error())
				break
			}
		}
		if _, failed := outcome.Errors[id]; !failed {
			v.sender(id).Tick("in sync")
		}
	}

	reportItemErrors(ctx, b.Name(), outcome.Errors)
	return outcome, nil
}

func checkInSync(ctx context.Context, it item.ItemRt, p statePair) error {
	id := it.ID()
	stored, _ := p.stored.Get(id)
	discovered, _ := p.discovered.Get(id)

	switch {
	case stored == nil && discovered == nil:
		return nil
	case stored != nil && discovered != nil:
		eq, err := it.StateEq(stored, discovered)
		if err != nil {
			return err
		}
		if eq {
			return nil
		}
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordStateStale(p.phase)
		_ = tel.Events.PublishStateStale(telemetry.ExecutionID(ctx), id.String(), p.phase)
	}
	return engine.NewConflictError(fmt.Sprintf("stored %s state of %s is out of date with what was discovered", p.phase, id), nil).
		WithCode(engine.ErrCodeStateStoredStale).
		WithItem(id.String()).
		WithDetail("phase", p.phase).
		WithDetail("stored", stored).
		WithDetail("discovered", discovered)
}
