package resources

import (
	"reflect"

	"github.com/openfroyo/peace/pkg/resources/ts"
)

// States maps item IDs to type-erased state values for a single phase,
// identified by the tag type TS.
//
// A nil value is an explicit unknown: the item exists in the flow but its
// state for this phase was not (or could not be) determined. Iteration
// follows insertion order.
type States[TS any] struct {
	order  []ItemID
	values map[ItemID]any
}

// NewStates creates an empty States map.
func NewStates[TS any]() *States[TS] {
	return &States[TS]{
		order:  make([]ItemID, 0),
		values: make(map[ItemID]any),
	}
}

// NewStatesWithCapacity creates an empty States map with preallocated space.
func NewStatesWithCapacity[TS any](n int) *States[TS] {
	return &States[TS]{
		order:  make([]ItemID, 0, n),
		values: make(map[ItemID]any, n),
	}
}

// Insert records the state for an item. A nil value records an unknown.
func (s *States[TS]) Insert(id ItemID, value any) {
	if _, ok := s.values[id]; !ok {
		s.order = append(s.order, id)
	}
	s.values[id] = value
}

// InsertUnknown records an explicit unknown for an item.
func (s *States[TS]) InsertUnknown(id ItemID) {
	s.Insert(id, nil)
}

// Get returns the known state for an item.
// The boolean is false if the item is absent or its state is unknown.
func (s *States[TS]) Get(id ItemID) (any, bool) {
	v, ok := s.values[id]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Contains returns true if the item has an entry, known or unknown.
func (s *States[TS]) Contains(id ItemID) bool {
	_, ok := s.values[id]
	return ok
}

// IsKnown returns true if the item has a known state.
func (s *States[TS]) IsKnown(id ItemID) bool {
	_, ok := s.Get(id)
	return ok
}

// ItemIDs returns the item IDs in insertion order.
func (s *States[TS]) ItemIDs() []ItemID {
	out := make([]ItemID, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of entries, including unknowns.
func (s *States[TS]) Len() int {
	return len(s.order)
}

// Range calls fn for each entry in insertion order until fn returns false.
func (s *States[TS]) Range(fn func(id ItemID, value any) bool) {
	for _, id := range s.order {
		if !fn(id, s.values[id]) {
			return
		}
	}
}

// EnsureAll inserts an explicit unknown for every ID without an entry.
func (s *States[TS]) EnsureAll(ids []ItemID) {
	for _, id := range ids {
		if !s.Contains(id) {
			s.InsertUnknown(id)
		}
	}
}

// Clone returns a shallow copy; state values are shared.
func (s *States[TS]) Clone() *States[TS] {
	out := NewStatesWithCapacity[TS](len(s.order))
	for _, id := range s.order {
		out.Insert(id, s.values[id])
	}
	return out
}

// Phase returns the display name of the tag.
func (s *States[TS]) Phase() string {
	var tag TS
	return ts.Name(tag)
}

// Retag copies states into a map with a different phase tag, e.g. to keep
// the stored current states as the previous states.
func Retag[To, From any](s *States[From]) *States[To] {
	out := NewStatesWithCapacity[To](len(s.order))
	for _, id := range s.order {
		out.Insert(id, s.values[id])
	}
	return out
}

// Type aliases for each phase.
type (
	StatesCurrent       = States[ts.Current]
	StatesCurrentStored = States[ts.CurrentStored]
	StatesGoal          = States[ts.Goal]
	StatesGoalStored    = States[ts.GoalStored]
	StatesClean         = States[ts.Clean]
	StatesEnsured       = States[ts.Ensured]
	StatesEnsuredDry    = States[ts.EnsuredDry]
	StatesCleaned       = States[ts.Cleaned]
	StatesCleanedDry    = States[ts.CleanedDry]
	StatesPrevious      = States[ts.Previous]
)

// StateDiffs maps item IDs to the diff between two states of that item.
type StateDiffs struct {
	States[stateDiffsTag]
}

type stateDiffsTag struct{}

// NewStateDiffs creates an empty StateDiffs map.
func NewStateDiffs() *StateDiffs {
	return &StateDiffs{States: *NewStates[stateDiffsTag]()}
}

// Saved returns the state of an item from the States map tagged TS.
//
// If no States map for the phase was inserted, or the item has no known
// state, the boolean is false. A borrow conflict on the map panics.
func Saved[TS, S any](r *Resources, id ItemID) (S, bool) {
	var zero S
	ref, err := TryBorrow[*States[TS]](r)
	if err != nil {
		if IsNotFound(err) {
			return zero, false
		}
		panic(err)
	}
	defer ref.Release()

	states := ref.Get()
	if states == nil {
		return zero, false
	}
	v, ok := states.Get(id)
	if !ok {
		return zero, false
	}
	typed, ok := v.(S)
	if ok {
		return typed, true
	}
	// Values deserialized as pointers are accepted for value types.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		if typed, ok := rv.Elem().Interface().(S); ok {
			return typed, true
		}
	}
	return zero, false
}
