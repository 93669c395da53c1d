package cmdblocks

import (
	"context"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// ApplyMode selects what an ApplyExecBlock converges items to.
type ApplyMode string

const (
	ApplyModeEnsure    ApplyMode = "ensure"
	ApplyModeEnsureDry ApplyMode = "ensure_dry"
	ApplyModeClean     ApplyMode = "clean"
	ApplyModeCleanDry  ApplyMode = "clean_dry"
)

// IsDry reports whether the mode only simulates changes.
func (m ApplyMode) IsDry() bool {
	return m == ApplyModeEnsureDry || m == ApplyModeCleanDry
}

// IsClean reports whether the mode converges items to their clean state.
func (m ApplyMode) IsClean() bool {
	return m == ApplyModeClean || m == ApplyModeCleanDry
}

// ApplyExecBlock checks each item and applies it if needed.
//
// Ensure walks the graph forwards, so an item is applied after the items it
// depends on and can map its params from their applied states. Clean walks
// it backwards. Items already at their target are not touched.
//
// The block inserts the current states it started from as the previous
// states, the applied states under the mode's phase, and, unless the mode is
// dry, the applied states as the new current states. Ensure also replaces the
// goal states with the targets it computed.
type ApplyExecBlock struct {
	Mode ApplyMode
}

// ApplyExec returns an ApplyExecBlock for mode.
func ApplyExec(mode ApplyMode) *ApplyExecBlock {
	return &ApplyExecBlock{Mode: mode}
}

func (b *ApplyExecBlock) Name() string { return "apply_exec_" + string(b.Mode) }

func (b *ApplyExecBlock) InputTypeNames() []string {
	return []string{typeName[*resources.StatesCurrent]()}
}

func (b *ApplyExecBlock) OutcomeTypeNames() []string {
	names := []string{typeName[*resources.StatesPrevious]()}
	switch b.Mode {
	case ApplyModeEnsure:
		names = append(names, typeName[*resources.StatesEnsured](), typeName[*resources.StatesCurrent](), typeName[*resources.StatesGoal]())
	case ApplyModeEnsureDry:
		names = append(names, typeName[*resources.StatesEnsuredDry](), typeName[*resources.StatesGoal]())
	case ApplyModeClean:
		names = append(names, typeName[*resources.StatesCleaned](), typeName[*resources.StatesCurrent]())
	case ApplyModeCleanDry:
		names = append(names, typeName[*resources.StatesCleanedDry]())
	}
	return names
}

func (b *ApplyExecBlock) Exec(ctx context.Context, v *View) (CmdBlockOutcome, error) {
	base, err := cloneStates[ts.Current](v.Resources)
	if err != nil {
		return CmdBlockOutcome{}, err
	}

	g := v.Flow.Graph()
	if b.Mode.IsClean() {
		g = g.Reversed()
	}

	r := v.Resources
	applied := newResults()
	targets := newResults()
	tel := telemetry.FromTelemetryContext(ctx)

	outcome := streamItems(ctx, v, g, b.Name(), func(ctx context.Context, it item.ItemRt) error {
		id := it.ID()
		sender := v.sender(id)

		var ia *item.ItemApply
		err := runItemFn(ctx, id, b.prepareFnName(), func(fc item.FnCtx) error {
			var err error
			if b.Mode.IsClean() {
				current, _ := base.Get(id)
				ia, err = it.CleanPrepare(r, current)
			} else {
				ia, err = it.EnsurePrepare(fc, r)
			}
			return err
		}, v)
		if err != nil {
			sender.Complete(progress.CompleteFail, err.Error())
			return err
		}

		v.Statuses.Advance(id,
			engine.ItemStatusCurrentKnown,
			engine.ItemStatusGoalKnown,
			engine.ItemStatusDiffKnown,
			engine.ItemStatusChecked)
		targets.set(id, ia.StateTarget)

		if !ia.ExecRequired() {
			applied.set(id, ia.StateApplied)
			v.Statuses.Advance(id, engine.ItemStatusExecNotRequired)
			sender.Complete(progress.CompleteSuccess, "nothing to do")
			return nil
		}

		sender.SetLimit(ia.ApplyCheck.ProgressLimit, "")
		err = runItemFn(ctx, id, b.execFnName(), func(fc item.FnCtx) error {
			if b.Mode.IsDry() {
				return it.ApplyExecDry(fc, r, ia)
			}
			return it.ApplyExec(fc, r, ia)
		}, v)
		if err != nil {
			sender.Complete(progress.CompleteFail, err.Error())
			return err
		}

		applied.set(id, ia.StateApplied)
		v.Statuses.Advance(id, engine.ItemStatusApplied)
		sender.Complete(progress.CompleteSuccess, string(b.Mode))
		if tel != nil {
			_ = tel.Events.PublishItemApplied(telemetry.ExecutionID(ctx), id.String(), b.Mode.IsDry())
		}
		return nil
	})

	after := overlay(base, applied)
	resources.Insert(r, resources.Retag[ts.Previous](base))

	switch b.Mode {
	case ApplyModeEnsure:
		resources.Insert(r, resources.Retag[ts.Ensured](after))
		resources.Insert(r, after)
	case ApplyModeEnsureDry:
		resources.Insert(r, resources.Retag[ts.EnsuredDry](after))
	case ApplyModeClean:
		resources.Insert(r, resources.Retag[ts.Cleaned](after))
		resources.Insert(r, after)
	case ApplyModeCleanDry:
		resources.Insert(r, resources.Retag[ts.CleanedDry](after))
	}

	if !b.Mode.IsClean() {
		goals := resources.NewStatesWithCapacity[ts.Goal](len(base.ItemIDs()))
		if existing, err := cloneStates[ts.Goal](r); err == nil {
			goals = existing
		}
		goals = overlay(goals, targets)
		goals.EnsureAll(v.Flow.ItemIDs())
		resources.Insert(r, goals)
	}
	return outcome, nil
}

func (b *ApplyExecBlock) prepareFnName() string {
	if b.Mode.IsClean() {
		return "clean_prepare"
	}
	return "ensure_prepare"
}

func (b *ApplyExecBlock) execFnName() string {
	if b.Mode.IsDry() {
		return "apply_dry"
	}
	return "apply"
}
