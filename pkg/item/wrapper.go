package item

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/marker"
)

// Wrapper adapts an Item to ItemRt.
type Wrapper[P, S, D, Data any] struct {
	item Item[P, S, D, Data]

	mu      sync.RWMutex
	spec    params.ParamsSpec
	hasSpec bool
	reg     *params.MappingFnReg
	access  access.Access
}

// Wrap erases the type parameters of an item.
func Wrap[P, S, D, Data any](it Item[P, S, D, Data]) *Wrapper[P, S, D, Data] {
	w := &Wrapper[P, S, D, Data]{item: it}
	w.access = w.baseAccess()
	return w
}

// Inner returns the wrapped item.
func (w *Wrapper[P, S, D, Data]) Inner() Item[P, S, D, Data] {
	return w.item
}

func (w *Wrapper[P, S, D, Data]) ID() resources.ItemID {
	return w.item.ID()
}

// baseAccess is the access of Data plus the item's own state markers.
func (w *Wrapper[P, S, D, Data]) baseAccess() access.Access {
	a := access.Declare[Data]()
	return a.Merge(access.Access{
		Borrows: access.NewTypeIDs(
			access.TypeIDOf[*marker.Current[S]](),
			access.TypeIDOf[*marker.Goal[S]](),
			access.TypeIDOf[*marker.ApplyDry[S]](),
			access.TypeIDOf[*marker.Clean[S]](),
		),
	})
}

func (w *Wrapper[P, S, D, Data]) BorrowsDyn() access.TypeIDs {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.access.Borrows
}

func (w *Wrapper[P, S, D, Data]) BorrowMutsDyn() access.TypeIDs {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.access.BorrowMuts
}

func (w *Wrapper[P, S, D, Data]) Setup(r *resources.Resources) error {
	marker.InsertAll[S](r)
	if err := w.item.Setup(r); err != nil {
		return w.fnError("setup", err)
	}
	return nil
}

func (w *Wrapper[P, S, D, Data]) BindParams(spec params.ParamsSpec, reg *params.MappingFnReg) error {
	bound, err := spec.Bind(w.ParamsType())
	if err != nil {
		return engine.NewPermanentError("invalid params spec", err).
			WithCode(engine.ErrCodeParamsResolve).
			WithItem(w.ID().String())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.spec = bound
	w.hasSpec = true
	w.reg = reg
	w.access = w.baseAccess().Merge(bound.Access(w.ParamsType(), reg))
	return nil
}

func (w *Wrapper[P, S, D, Data]) ParamsSpec() (params.ParamsSpec, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.spec, w.hasSpec
}

func (w *Wrapper[P, S, D, Data]) resolveCtx(r *resources.Resources, mode params.ResolutionMode) (params.ResolveCtx, params.ParamsSpec, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rc := params.ResolveCtx{ItemID: w.ID(), Resources: r, Registry: w.reg, Mode: mode}
	if !w.hasSpec {
		return rc, params.ParamsSpec{}, engine.NewPermanentError("no params spec bound", nil).
			WithCode(engine.ErrCodeParamsResolve).
			WithItem(w.ID().String())
	}
	return rc, w.spec, nil
}

func (w *Wrapper[P, S, D, Data]) params(r *resources.Resources, mode params.ResolutionMode) (P, error) {
	rc, spec, err := w.resolveCtx(r, mode)
	if err != nil {
		var zero P
		return zero, err
	}
	return params.Resolve[P](rc, spec)
}

func (w *Wrapper[P, S, D, Data]) paramsPartial(r *resources.Resources, mode params.ResolutionMode) (params.Partial[P], error) {
	rc, spec, err := w.resolveCtx(r, mode)
	if err != nil {
		return params.Partial[P]{}, err
	}
	return params.ResolvePartial[P](rc, spec)
}

// withData fetches Data for the duration of fn.
func (w *Wrapper[P, S, D, Data]) withData(r *resources.Resources, fn func(Data) error) error {
	data, release, err := access.Fetch[Data](r)
	if err != nil {
		return engine.NewPermanentError("failed to fetch item data", err).
			WithCode(engine.ErrCodeNotFound).
			WithItem(w.ID().String())
	}
	defer release()
	return fn(data)
}

// setMarker records a state for mapping functions of later items.
func setMarker[M interface{ Set(resources.ItemID, S) }, S any](r *resources.Resources, id resources.ItemID, s S) {
	ref, err := resources.TryBorrow[M](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return
	}
	defer ref.Release()
	if m := ref.Get(); !reflect.ValueOf(m).IsNil() {
		m.Set(id, s)
	}
}

func (w *Wrapper[P, S, D, Data]) StateCurrentTryExec(fc FnCtx, r *resources.Resources) (any, error) {
	partial, err := w.paramsPartial(r, params.ModeCurrent)
	if err != nil {
		return nil, err
	}

	var state S
	var known bool
	err = w.withData(r, func(data Data) error {
		var err error
		state, known, err = w.item.TryStateCurrent(fc, partial, data)
		return err
	})
	if err != nil {
		return nil, w.fnError("try_state_current", err)
	}
	if !known {
		return nil, nil
	}
	setMarker[*marker.Current[S]](r, w.ID(), state)
	return state, nil
}

func (w *Wrapper[P, S, D, Data]) StateCurrentExec(fc FnCtx, r *resources.Resources) (any, error) {
	s, err := w.stateCurrent(fc, r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w *Wrapper[P, S, D, Data]) stateCurrent(fc FnCtx, r *resources.Resources) (S, error) {
	var state S
	p, err := w.params(r, params.ModeCurrent)
	if err != nil {
		return state, err
	}
	err = w.withData(r, func(data Data) error {
		var err error
		state, err = w.item.StateCurrent(fc, p, data)
		return err
	})
	if err != nil {
		return state, w.fnError("state_current", err)
	}
	setMarker[*marker.Current[S]](r, w.ID(), state)
	return state, nil
}

func (w *Wrapper[P, S, D, Data]) StateGoalTryExec(fc FnCtx, r *resources.Resources) (any, error) {
	partial, err := w.paramsPartial(r, params.ModeGoal)
	if err != nil {
		return nil, err
	}

	var state S
	var known bool
	err = w.withData(r, func(data Data) error {
		var err error
		state, known, err = w.item.TryStateGoal(fc, partial, data)
		return err
	})
	if err != nil {
		return nil, w.fnError("try_state_goal", err)
	}
	if !known {
		return nil, nil
	}
	setMarker[*marker.Goal[S]](r, w.ID(), state)
	return state, nil
}

func (w *Wrapper[P, S, D, Data]) StateGoalExec(fc FnCtx, r *resources.Resources, mode params.ResolutionMode) (any, error) {
	s, err := w.stateGoal(fc, r, mode)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w *Wrapper[P, S, D, Data]) stateGoal(fc FnCtx, r *resources.Resources, mode params.ResolutionMode) (S, error) {
	var state S
	p, err := w.params(r, mode)
	if err != nil {
		return state, err
	}
	err = w.withData(r, func(data Data) error {
		var err error
		state, err = w.item.StateGoal(fc, p, data)
		return err
	})
	if err != nil {
		return state, w.fnError("state_goal", err)
	}
	setMarker[*marker.Goal[S]](r, w.ID(), state)
	return state, nil
}

func (w *Wrapper[P, S, D, Data]) StateCleanExec(r *resources.Resources) (any, error) {
	s, err := w.stateClean(r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w *Wrapper[P, S, D, Data]) stateClean(r *resources.Resources) (S, error) {
	var state S
	partial, err := w.paramsPartial(r, params.ModeClean)
	if err != nil {
		return state, err
	}
	err = w.withData(r, func(data Data) error {
		var err error
		state, err = w.item.StateClean(partial, data)
		return err
	})
	if err != nil {
		return state, w.fnError("state_clean", err)
	}
	setMarker[*marker.Clean[S]](r, w.ID(), state)
	return state, nil
}

func (w *Wrapper[P, S, D, Data]) StateDiffExec(r *resources.Resources, from, to any) (any, error) {
	if from == nil || to == nil {
		return nil, nil
	}
	a, err := w.castState(from)
	if err != nil {
		return nil, err
	}
	b, err := w.castState(to)
	if err != nil {
		return nil, err
	}
	d, err := w.stateDiff(r, a, b)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (w *Wrapper[P, S, D, Data]) stateDiff(r *resources.Resources, a, b S) (D, error) {
	var diff D
	// Params mapped from predecessors use their goal states, the closest to
	// what the apply will see.
	partial, err := w.paramsPartial(r, params.ModeGoal)
	if err != nil {
		return diff, err
	}
	err = w.withData(r, func(data Data) error {
		var err error
		diff, err = w.item.StateDiff(partial, data, a, b)
		return err
	})
	if err != nil {
		return diff, w.fnError("state_diff", err)
	}
	return diff, nil
}

// applyCheck returns ExecNotRequired when params cannot be fully resolved:
// that usually means a predecessor has been cleaned up.
func (w *Wrapper[P, S, D, Data]) applyCheck(r *resources.Resources, current, target S, diff D) (ApplyCheck, error) {
	partial, err := w.paramsPartial(r, params.ModeCurrent)
	if err != nil {
		return ApplyCheck{}, err
	}
	if !partial.IsComplete() {
		return ExecNotRequired(), nil
	}

	var check ApplyCheck
	err = w.withData(r, func(data Data) error {
		var err error
		check, err = w.item.ApplyCheck(partial.Value, data, current, target, diff)
		return err
	})
	if err != nil {
		return check, w.fnError("apply_check", err)
	}
	return check, nil
}

func (w *Wrapper[P, S, D, Data]) EnsurePrepare(fc FnCtx, r *resources.Resources) (*ItemApply, error) {
	ia := &ItemApply{}

	current, err := w.stateCurrent(fc, r)
	if err != nil {
		return ia, err
	}
	ia.StateCurrent = current
	fc.Progress.Reset()

	// Predecessors have already been applied, so their current states are
	// what this item's goal should be computed from.
	goal, err := w.stateGoal(fc, r, params.ModeCurrent)
	if err != nil {
		return ia, err
	}
	ia.StateTarget = goal
	fc.Progress.Reset()

	diff, err := w.stateDiff(r, current, goal)
	if err != nil {
		return ia, err
	}
	ia.StateDiff = diff

	check, err := w.applyCheck(r, current, goal, diff)
	if err != nil {
		return ia, err
	}
	ia.ApplyCheck = &check
	if !check.ExecRequired {
		ia.StateApplied = current
	}
	return ia, nil
}

func (w *Wrapper[P, S, D, Data]) CleanPrepare(r *resources.Resources, stored any) (*ItemApply, error) {
	ia := &ItemApply{StateCurrentStored: stored}

	clean, err := w.stateClean(r)
	if err != nil {
		return ia, err
	}

	// An item whose current state is unknown is treated as already clean,
	// which lets successors still resolve params from it.
	current := clean
	if stored != nil {
		if current, err = w.castState(stored); err != nil {
			return ia, err
		}
	}
	ia.StateCurrent = current
	ia.StateTarget = clean

	diff, err := w.stateDiff(r, current, clean)
	if err != nil {
		return ia, err
	}
	ia.StateDiff = diff

	check, err := w.applyCheck(r, current, clean, diff)
	if err != nil {
		return ia, err
	}
	ia.ApplyCheck = &check
	if !check.ExecRequired {
		ia.StateApplied = current
	}
	return ia, nil
}

func (w *Wrapper[P, S, D, Data]) unpack(ia *ItemApply) (current, target S, diff D, err error) {
	if current, err = w.castState(ia.StateCurrent); err != nil {
		return
	}
	if target, err = w.castState(ia.StateTarget); err != nil {
		return
	}
	d, ok := ia.StateDiff.(D)
	if !ok {
		err = w.typeError("state diff", ia.StateDiff, w.StateDiffType())
		return
	}
	return current, target, d, nil
}

func (w *Wrapper[P, S, D, Data]) ApplyExec(fc FnCtx, r *resources.Resources, ia *ItemApply) error {
	if !ia.ExecRequired() {
		return nil
	}
	current, target, diff, err := w.unpack(ia)
	if err != nil {
		return err
	}
	p, err := w.params(r, params.ModeCurrent)
	if err != nil {
		return err
	}

	var applied S
	err = w.withData(r, func(data Data) error {
		var err error
		applied, err = w.item.Apply(fc, p, data, current, target, diff)
		return err
	})
	if err != nil {
		return w.fnError("apply", err)
	}
	setMarker[*marker.Current[S]](r, w.ID(), applied)
	ia.StateApplied = applied
	return nil
}

func (w *Wrapper[P, S, D, Data]) ApplyExecDry(fc FnCtx, r *resources.Resources, ia *ItemApply) error {
	if !ia.ExecRequired() {
		return nil
	}
	current, target, diff, err := w.unpack(ia)
	if err != nil {
		return err
	}
	p, err := w.params(r, params.ModeApplyDry)
	if err != nil {
		return err
	}

	var applied S
	err = w.withData(r, func(data Data) error {
		var err error
		applied, err = w.item.ApplyDry(fc, p, data, current, target, diff)
		return err
	})
	if err != nil {
		return w.fnError("apply_dry", err)
	}
	setMarker[*marker.ApplyDry[S]](r, w.ID(), applied)
	ia.StateApplied = applied
	return nil
}

// StateEq uses an Equal(S) bool method if S has one, and deep equality
// otherwise.
func (w *Wrapper[P, S, D, Data]) StateEq(a, b any) (bool, error) {
	sa, err := w.castState(a)
	if err != nil {
		return false, err
	}
	sb, err := w.castState(b)
	if err != nil {
		return false, err
	}
	if eq, ok := any(sa).(interface{ Equal(S) bool }); ok {
		return eq.Equal(sb), nil
	}
	return reflect.DeepEqual(sa, sb), nil
}

func (w *Wrapper[P, S, D, Data]) ParamsType() reflect.Type    { return reflect.TypeFor[P]() }
func (w *Wrapper[P, S, D, Data]) StateType() reflect.Type     { return reflect.TypeFor[S]() }
func (w *Wrapper[P, S, D, Data]) StateDiffType() reflect.Type { return reflect.TypeFor[D]() }

// castState accepts S or *S, as deserialized states may be pointers.
func (w *Wrapper[P, S, D, Data]) castState(v any) (S, error) {
	if s, ok := v.(S); ok {
		return s, nil
	}
	if p, ok := v.(*S); ok && p != nil {
		return *p, nil
	}
	var zero S
	return zero, w.typeError("state", v, w.StateType())
}

func (w *Wrapper[P, S, D, Data]) typeError(what string, v any, want reflect.Type) error {
	return engine.NewPermanentError(fmt.Sprintf("%s has type %T, expected %s", what, v, want), nil).
		WithCode(engine.ErrCodeInternal).
		WithItem(w.ID().String())
}

// fnError attributes an error returned by an item function to the item.
func (w *Wrapper[P, S, D, Data]) fnError(operation string, err error) error {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		if engErr.ItemID == "" {
			engErr.ItemID = w.ID().String()
		}
		if engErr.Operation == "" {
			engErr.Operation = operation
		}
		return engErr
	}
	return engine.NewPermanentError("item function failed", err).
		WithCode(engine.ErrCodeItemFn).
		WithItem(w.ID().String()).
		WithOperation(operation)
}
