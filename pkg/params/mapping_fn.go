package params

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/marker"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

// ResolutionMode selects which phase's state mapping functions read.
type ResolutionMode string

const (
	ModeCurrent  ResolutionMode = "current"
	ModeGoal     ResolutionMode = "goal"
	ModeApplyDry ResolutionMode = "apply_dry"
	ModeClean    ResolutionMode = "clean"
)

// StateSource reads one item's state for a resolution mode.
type StateSource interface {
	// SourceItemID is the item whose state is read.
	SourceItemID() resources.ItemID

	// ReadState returns the state, or false if it is not yet known.
	ReadState(r *resources.Resources, mode ResolutionMode) (any, bool)

	// StateAccess declares the resources ReadState borrows.
	StateAccess() access.Access
}

// MappingFn computes a parameter value from resources.
type MappingFn interface {
	// ID is the name the function is registered and persisted under.
	ID() MappingFnID

	// Map computes the value. It returns false if its inputs are not yet
	// available, e.g. the source item has not been discovered.
	Map(r *resources.Resources, mode ResolutionMode) (any, bool, error)

	// OutputType is the type of the computed value.
	OutputType() reflect.Type

	// Access declares the resources Map borrows.
	Access() access.Access
}

// MappingFnReg maps names to mapping functions. Persisted params specs
// refer to mapping functions by name, so functions must be registered
// before stored specs are loaded.
type MappingFnReg struct {
	mu  sync.RWMutex
	fns map[MappingFnID]MappingFn
}

// NewMappingFnReg creates an empty registry.
func NewMappingFnReg() *MappingFnReg {
	return &MappingFnReg{fns: make(map[MappingFnID]MappingFn)}
}

// Register adds a mapping function. Names must be unique.
func (r *MappingFnReg) Register(fn MappingFn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn.ID() == "" {
		return fmt.Errorf("mapping function has an empty id")
	}
	if _, exists := r.fns[fn.ID()]; exists {
		return fmt.Errorf("mapping function %q is already registered", fn.ID())
	}
	r.fns[fn.ID()] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *MappingFnReg) MustRegister(fn MappingFn) {
	if err := r.Register(fn); err != nil {
		panic(err)
	}
}

// Get returns a registered mapping function.
func (r *MappingFnReg) Get(id MappingFnID) (MappingFn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[id]
	return fn, ok
}

// IDs returns the registered names, sorted.
func (r *MappingFnReg) IDs() []MappingFnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]MappingFnID, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// markerSource reads state of type S from the marker resources.
type markerSource[S any] struct {
	itemID resources.ItemID
}

// MarkerSource returns a StateSource for an item whose state type is S.
func MarkerSource[S any](itemID resources.ItemID) StateSource {
	return markerSource[S]{itemID: itemID}
}

func (m markerSource[S]) SourceItemID() resources.ItemID { return m.itemID }

func (m markerSource[S]) StateAccess() access.Access {
	return access.Access{
		Borrows: access.NewTypeIDs(
			access.TypeIDOf[*marker.Current[S]](),
			access.TypeIDOf[*marker.Goal[S]](),
			access.TypeIDOf[*marker.ApplyDry[S]](),
			access.TypeIDOf[*marker.Clean[S]](),
			access.TypeIDOf[*resources.StatesCurrent](),
			access.TypeIDOf[*resources.StatesGoal](),
		),
	}
}

// ReadState prefers states recorded during this command and falls back to
// the States maps read from storage.
func (m markerSource[S]) ReadState(r *resources.Resources, mode ResolutionMode) (any, bool) {
	switch mode {
	case ModeGoal:
		if v, ok := readMarker[*marker.Goal[S], S](r, m.itemID); ok {
			return v, true
		}
		return saved[ts.Goal, S](r, m.itemID)
	case ModeClean:
		return readMarker[*marker.Clean[S], S](r, m.itemID)
	case ModeApplyDry:
		// Dry runs see the simulated state if there is one, else the discovered state.
		if v, ok := readMarker[*marker.ApplyDry[S], S](r, m.itemID); ok {
			return v, true
		}
		fallthrough
	default:
		if v, ok := readMarker[*marker.Current[S], S](r, m.itemID); ok {
			return v, true
		}
		return saved[ts.Current, S](r, m.itemID)
	}
}

func saved[TS, S any](r *resources.Resources, id resources.ItemID) (any, bool) {
	s, ok := resources.Saved[TS, S](r, id)
	if !ok {
		return nil, false
	}
	return s, true
}

type markerGetter[S any] interface {
	Get(id resources.ItemID) (S, bool)
}

func readMarker[M markerGetter[S], S any](r *resources.Resources, id resources.ItemID) (any, bool) {
	ref, err := resources.TryBorrow[M](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return nil, false
	}
	defer ref.Release()

	m := ref.Get()
	if reflect.ValueOf(m).IsNil() {
		return nil, false
	}
	v, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return v, true
}

// stateMappingFn maps another item's state with a Go function.
type stateMappingFn[S, T any] struct {
	id     MappingFnID
	source StateSource
	f      func(S) (T, bool)

	// mode overrides the resolution mode when set.
	mode ResolutionMode
}

// FromItemState returns a mapping function that applies f to the state of
// the item from, whose state type is S.
func FromItemState[S, T any](id MappingFnID, from resources.ItemID, f func(S) (T, bool)) MappingFn {
	return &stateMappingFn[S, T]{id: id, source: MarkerSource[S](from), f: f}
}

// MapFromCurrent returns a mapping function over the current state of from,
// regardless of the resolution mode.
func MapFromCurrent[S, T any](id MappingFnID, from resources.ItemID, f func(S) (T, bool)) MappingFn {
	return &stateMappingFn[S, T]{id: id, source: MarkerSource[S](from), f: f, mode: ModeCurrent}
}

// MapFromGoal returns a mapping function over the goal state of from,
// regardless of the resolution mode.
func MapFromGoal[S, T any](id MappingFnID, from resources.ItemID, f func(S) (T, bool)) MappingFn {
	return &stateMappingFn[S, T]{id: id, source: MarkerSource[S](from), f: f, mode: ModeGoal}
}

func (m *stateMappingFn[S, T]) ID() MappingFnID          { return m.id }
func (m *stateMappingFn[S, T]) OutputType() reflect.Type { return reflect.TypeFor[T]() }
func (m *stateMappingFn[S, T]) Access() access.Access    { return m.source.StateAccess() }

func (m *stateMappingFn[S, T]) Map(r *resources.Resources, mode ResolutionMode) (any, bool, error) {
	if m.mode != "" {
		mode = m.mode
	}
	v, ok := m.source.ReadState(r, mode)
	if !ok {
		return nil, false, nil
	}
	s, ok := v.(S)
	if !ok {
		return nil, false, fmt.Errorf("mapping function %s: state of %s is %T, expected %s",
			m.id, m.source.SourceItemID(), v, reflect.TypeFor[S]())
	}
	out, ok := m.f(s)
	if !ok {
		return nil, false, nil
	}
	return out, true, nil
}
