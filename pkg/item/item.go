// Package item defines the Item interface implemented by managed things, and
// the type-erased ItemRt the engine schedules.
package item

import (
	"context"

	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
)

// FnCtx is passed to item functions that may talk to the outside world.
type FnCtx struct {
	Context  context.Context
	ItemID   resources.ItemID
	Progress *progress.Sender
}

// NewFnCtx creates a FnCtx. progress may be nil.
func NewFnCtx(ctx context.Context, id resources.ItemID, progress *progress.Sender) FnCtx {
	return FnCtx{Context: ctx, ItemID: id, Progress: progress}
}

// ApplyCheck is the result of checking whether an apply is needed.
type ApplyCheck struct {
	ExecRequired  bool           `json:"exec_required" yaml:"exec_required"`
	ProgressLimit progress.Limit `json:"progress_limit" yaml:"progress_limit"`
}

// ExecNotRequired returns an ApplyCheck for an item already in its target state.
func ExecNotRequired() ApplyCheck {
	return ApplyCheck{ExecRequired: false, ProgressLimit: progress.Unknown()}
}

// ExecRequired returns an ApplyCheck for an item that needs work, with an
// estimate of that work.
func ExecRequired(limit progress.Limit) ApplyCheck {
	return ApplyCheck{ExecRequired: true, ProgressLimit: limit}
}

// Item is a managed thing: a file, a server, a cloud resource.
//
// P is the params type, S the state type, D the state diff type, and Data a
// struct of access accessors (access.R, access.W, ...) the item reads from
// the resource store. Items hold no mutable data; everything they need comes
// through params and Data.
type Item[P, S, D, Data any] interface {
	// ID returns the item's ID, unique within a flow and stable across runs.
	ID() resources.ItemID

	// Setup inserts resources the item needs into the store.
	Setup(r *resources.Resources) error

	// TryStateCurrent discovers the current state, returning false if it
	// cannot be discovered yet, e.g. a predecessor does not exist.
	TryStateCurrent(fc FnCtx, p params.Partial[P], data Data) (S, bool, error)

	// StateCurrent discovers the current state.
	StateCurrent(fc FnCtx, p P, data Data) (S, error)

	// TryStateGoal computes the goal state, returning false if it cannot be
	// computed yet.
	TryStateGoal(fc FnCtx, p params.Partial[P], data Data) (S, bool, error)

	// StateGoal computes the goal state.
	StateGoal(fc FnCtx, p P, data Data) (S, error)

	// StateDiff returns the difference between two states. It must not have
	// side effects.
	StateDiff(p params.Partial[P], data Data, from, to S) (D, error)

	// StateClean returns the state of the item when it has been cleaned up.
	StateClean(p params.Partial[P], data Data) (S, error)

	// ApplyCheck decides whether Apply needs to run.
	ApplyCheck(p P, data Data, current, target S, diff D) (ApplyCheck, error)

	// ApplyDry simulates Apply without touching the outside world.
	ApplyDry(fc FnCtx, p P, data Data, current, target S, diff D) (S, error)

	// Apply moves the item to the target state and returns the new state.
	// It is the only function allowed to change the outside world.
	Apply(fc FnCtx, p P, data Data, current, target S, diff D) (S, error)
}
