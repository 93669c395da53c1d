package item

import (
	"reflect"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// ItemRt is an Item with its type parameters erased, as stored in a flow's
// graph. States and diffs cross this boundary as `any`; a nil state is an
// unknown state.
type ItemRt interface {
	ID() resources.ItemID
	access.DataAccessDyn

	// Setup inserts the item's state markers and calls Item.Setup.
	Setup(r *resources.Resources) error

	// BindParams sets the params spec the item resolves its params from.
	BindParams(spec params.ParamsSpec, reg *params.MappingFnReg) error

	// ParamsSpec returns the bound params spec.
	ParamsSpec() (params.ParamsSpec, bool)

	StateCurrentTryExec(fc FnCtx, r *resources.Resources) (any, error)
	StateCurrentExec(fc FnCtx, r *resources.Resources) (any, error)
	StateGoalTryExec(fc FnCtx, r *resources.Resources) (any, error)
	StateGoalExec(fc FnCtx, r *resources.Resources, mode params.ResolutionMode) (any, error)
	StateCleanExec(r *resources.Resources) (any, error)

	// StateDiffExec diffs two states. It returns nil if either is unknown.
	StateDiffExec(r *resources.Resources, from, to any) (any, error)

	// EnsurePrepare discovers current and goal states and checks whether an
	// apply is needed. On error the partially filled ItemApply is returned.
	EnsurePrepare(fc FnCtx, r *resources.Resources) (*ItemApply, error)

	// CleanPrepare computes the clean state and checks whether an apply is
	// needed. current is the stored current state, or nil.
	CleanPrepare(r *resources.Resources, current any) (*ItemApply, error)

	// ApplyExec runs Apply if the ItemApply requires it, setting StateApplied.
	ApplyExec(fc FnCtx, r *resources.Resources, ia *ItemApply) error

	// ApplyExecDry runs ApplyDry if the ItemApply requires it.
	ApplyExecDry(fc FnCtx, r *resources.Resources, ia *ItemApply) error

	// StateEq compares two states of this item.
	StateEq(a, b any) (bool, error)

	ParamsType() reflect.Type
	StateType() reflect.Type
	StateDiffType() reflect.Type
}

// ItemApply carries the states of one item through an apply.
type ItemApply struct {
	StateCurrentStored any
	StateCurrent       any
	StateTarget        any
	StateDiff          any
	ApplyCheck         *ApplyCheck
	StateApplied       any
}

// ExecRequired reports whether the apply check asked for work.
func (ia *ItemApply) ExecRequired() bool {
	return ia != nil && ia.ApplyCheck != nil && ia.ApplyCheck.ExecRequired
}
