// Package flow groups items and their ordering into a named, reusable unit.
package flow

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/resources"
)

// FlowID names a flow. It follows the same rules as an item ID, since it is
// used as a directory name.
type FlowID string

// Validate checks that the ID is a valid identifier.
func (id FlowID) Validate() error {
	if err := resources.ItemID(id).Validate(); err != nil {
		return fmt.Errorf("invalid flow id %q: %w", id, err)
	}
	return nil
}

func (id FlowID) String() string {
	return string(id)
}

// Flow is an ID and the graph of items it manages.
type Flow struct {
	id    FlowID
	graph *engine.Graph[item.ItemRt]
}

// New creates a flow from a graph.
func New(id FlowID, graph *engine.Graph[item.ItemRt]) (*Flow, error) {
	if err := id.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid flow", err).WithCode(engine.ErrCodeValidation)
	}
	return &Flow{id: id, graph: graph}, nil
}

// ID returns the flow ID.
func (f *Flow) ID() FlowID { return f.id }

// Graph returns the item graph.
func (f *Flow) Graph() *engine.Graph[item.ItemRt] { return f.graph }

// Item returns an item by ID.
func (f *Flow) Item(id resources.ItemID) (item.ItemRt, bool) {
	return f.graph.Node(id)
}

// ItemIDs returns item IDs in insertion order.
func (f *Flow) ItemIDs() []resources.ItemID {
	return f.graph.ItemIDs()
}

// StatesTypeReg returns the state type of every item, for deserializing
// stored states.
func (f *Flow) StatesTypeReg() TypeReg {
	reg := NewTypeReg()
	for _, it := range f.graph.IterInsertion() {
		reg.Register(it.ID(), it.StateType())
	}
	return reg
}

// ParamsTypeReg returns the params type of every item.
func (f *Flow) ParamsTypeReg() TypeReg {
	reg := NewTypeReg()
	for _, it := range f.graph.IterInsertion() {
		reg.Register(it.ID(), it.ParamsType())
	}
	return reg
}

// Builder assembles a flow.
type Builder struct {
	id    FlowID
	graph *engine.Graph[item.ItemRt]
	err   error
}

// NewBuilder starts a flow with the given ID.
func NewBuilder(id FlowID) *Builder {
	return &Builder{id: id, graph: engine.NewGraph[item.ItemRt]()}
}

// Add adds items in order. The first error is kept and returned by Build.
func (b *Builder) Add(items ...item.ItemRt) *Builder {
	for _, it := range items {
		if b.err != nil {
			return b
		}
		b.err = b.graph.AddItem(it)
	}
	return b
}

// Edge orders from before to.
func (b *Builder) Edge(from, to resources.ItemID) *Builder {
	if b.err == nil {
		b.err = b.graph.AddEdge(from, to)
	}
	return b
}

// Chain adds an edge between each consecutive pair of IDs.
func (b *Builder) Chain(ids ...resources.ItemID) *Builder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}
	return b
}

// Build returns the flow, or the first error hit while building.
func (b *Builder) Build() (*Flow, error) {
	if b.err != nil {
		return nil, b.err
	}
	return New(b.id, b.graph)
}

// TypeReg maps item IDs to types.
type TypeReg struct {
	types map[resources.ItemID]reflect.Type
}

// NewTypeReg creates an empty registry.
func NewTypeReg() TypeReg {
	return TypeReg{types: make(map[resources.ItemID]reflect.Type)}
}

// Register sets the type for an item.
func (r TypeReg) Register(id resources.ItemID, t reflect.Type) {
	r.types[id] = t
}

// Get returns the type for an item.
func (r TypeReg) Get(id resources.ItemID) (reflect.Type, bool) {
	t, ok := r.types[id]
	return t, ok
}

// Len returns the number of registered items.
func (r TypeReg) Len() int {
	return len(r.types)
}
