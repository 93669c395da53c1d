// Package blank provides an item that copies a number into an in-memory
// store. It has no outside world effects and is used to exercise flows,
// params mapping and the command pipeline.
package blank

import (
	"fmt"
	"sync"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
)

// Kind is the item kind used in flow definitions.
const Kind = "blank"

// Params of a blank item.
type Params struct {
	Src int `yaml:"src" json:"src"`
}

// State is the value held for the item. A nil Value means the item has
// nothing in the store.
type State struct {
	Value *int `yaml:"value" json:"value"`
}

// Equal reports whether two states hold the same value.
func (s State) Equal(o State) bool {
	if s.Value == nil || o.Value == nil {
		return s.Value == nil && o.Value == nil
	}
	return *s.Value == *o.Value
}

func (s State) String() string {
	if s.Value == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d", *s.Value)
}

func valueOf(v int) State {
	return State{Value: &v}
}

// DiffKind classifies a Diff.
type DiffKind string

const (
	DiffInSync    DiffKind = "in_sync"
	DiffAdded     DiffKind = "added"
	DiffOutOfSync DiffKind = "out_of_sync"
	DiffRemoved   DiffKind = "removed"
	DiffNone      DiffKind = "none"
)

// Diff between two blank states.
type Diff struct {
	Kind  DiffKind `yaml:"kind" json:"kind"`
	Value int      `yaml:"value,omitempty" json:"value,omitempty"`
	Delta int      `yaml:"delta,omitempty" json:"delta,omitempty"`
}

func (d Diff) String() string {
	switch d.Kind {
	case DiffInSync:
		return fmt.Sprintf("in sync at %d", d.Value)
	case DiffAdded:
		return fmt.Sprintf("add %d", d.Value)
	case DiffOutOfSync:
		return fmt.Sprintf("change by %+d", d.Delta)
	case DiffRemoved:
		return fmt.Sprintf("remove %d", d.Value)
	default:
		return "nothing to do"
	}
}

// Store holds the values written by blank items, keyed by item ID.
type Store struct {
	mu     sync.RWMutex
	values map[resources.ItemID]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[resources.ItemID]int)}
}

// Get returns the value of an item.
func (s *Store) Get(id resources.ItemID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[id]
	return v, ok
}

// Set stores the value of an item.
func (s *Store) Set(id resources.ItemID, v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = v
}

// Delete removes the value of an item.
func (s *Store) Delete(id resources.ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, id)
}

// Data is what a blank item reads from the resource store.
type Data struct {
	Store access.R[*Store]
}

// Item copies Params.Src into the store.
type Item struct {
	id resources.ItemID
}

// New returns a blank item ready to be added to a flow.
func New(id resources.ItemID) *item.Wrapper[Params, State, Diff, Data] {
	return item.Wrap[Params, State, Diff, Data](&Item{id: id})
}

func (b *Item) ID() resources.ItemID { return b.id }

// Setup inserts a Store unless one is already present.
func (b *Item) Setup(r *resources.Resources) error {
	if !resources.Contains[*Store](r) {
		resources.Insert(r, NewStore())
	}
	return nil
}

func (b *Item) current(d Data) State {
	if v, ok := d.Store.Get().Get(b.id); ok {
		return valueOf(v)
	}
	return State{}
}

func (b *Item) TryStateCurrent(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	return b.current(d), true, nil
}

func (b *Item) StateCurrent(fc item.FnCtx, p Params, d Data) (State, error) {
	return b.current(d), nil
}

func (b *Item) TryStateGoal(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	if !p.IsComplete() {
		return State{}, false, nil
	}
	return valueOf(p.Value.Src), true, nil
}

func (b *Item) StateGoal(fc item.FnCtx, p Params, d Data) (State, error) {
	return valueOf(p.Src), nil
}

func (b *Item) StateDiff(p params.Partial[Params], d Data, from, to State) (Diff, error) {
	switch {
	case from.Value == nil && to.Value == nil:
		return Diff{Kind: DiffNone}, nil
	case from.Value == nil:
		return Diff{Kind: DiffAdded, Value: *to.Value}, nil
	case to.Value == nil:
		return Diff{Kind: DiffRemoved, Value: *from.Value}, nil
	case *from.Value == *to.Value:
		return Diff{Kind: DiffInSync, Value: *from.Value}, nil
	default:
		return Diff{Kind: DiffOutOfSync, Value: *to.Value, Delta: *to.Value - *from.Value}, nil
	}
}

func (b *Item) StateClean(p params.Partial[Params], d Data) (State, error) {
	return State{}, nil
}

func (b *Item) ApplyCheck(p Params, d Data, current, target State, diff Diff) (item.ApplyCheck, error) {
	switch diff.Kind {
	case DiffInSync, DiffNone:
		return item.ExecNotRequired(), nil
	default:
		return item.ExecRequired(progress.Steps(1)), nil
	}
}

func (b *Item) ApplyDry(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	return target, nil
}

func (b *Item) Apply(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	store := d.Store.Get()
	if target.Value == nil {
		store.Delete(b.id)
	} else {
		store.Set(b.id, *target.Value)
	}
	fc.Progress.Inc(1, diff.String())
	return target, nil
}
