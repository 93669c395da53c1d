// Package access declares which resources a unit of logic reads and writes.
//
// The scheduler uses these declarations to decide which items may run at the
// same time: two operations are compatible when neither writes a type that
// the other reads or writes.
package access

import (
	"reflect"
	"sort"
	"strings"
)

// TypeID identifies a resource type.
type TypeID = reflect.Type

// TypeIDOf returns the TypeID for T.
func TypeIDOf[T any]() TypeID {
	return reflect.TypeFor[T]()
}

// TypeIDs is an ordered set of resource types.
type TypeIDs struct {
	order []TypeID
	set   map[TypeID]struct{}
}

// NewTypeIDs creates a set containing the given types.
func NewTypeIDs(ids ...TypeID) TypeIDs {
	s := TypeIDs{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts a type into the set.
func (s *TypeIDs) Add(id TypeID) {
	if s.set == nil {
		s.set = make(map[TypeID]struct{})
	}
	if _, ok := s.set[id]; ok {
		return
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
}

// Contains returns true if the type is in the set.
func (s TypeIDs) Contains(id TypeID) bool {
	_, ok := s.set[id]
	return ok
}

// Len returns the number of types.
func (s TypeIDs) Len() int {
	return len(s.order)
}

// Slice returns the types in insertion order.
func (s TypeIDs) Slice() []TypeID {
	out := make([]TypeID, len(s.order))
	copy(out, s.order)
	return out
}

// Intersects returns true if any type is in both sets.
func (s TypeIDs) Intersects(other TypeIDs) bool {
	small, large := s, other
	if small.Len() > large.Len() {
		small, large = large, small
	}
	for _, id := range small.order {
		if large.Contains(id) {
			return true
		}
	}
	return false
}

// Union returns a new set with the types of both sets.
func (s TypeIDs) Union(other TypeIDs) TypeIDs {
	out := NewTypeIDs(s.order...)
	for _, id := range other.order {
		out.Add(id)
	}
	return out
}

// Names returns the sorted type names, for diagnostics.
func (s TypeIDs) Names() []string {
	names := make([]string, 0, len(s.order))
	for _, id := range s.order {
		names = append(names, id.String())
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer.
func (s TypeIDs) String() string {
	return "[" + strings.Join(s.Names(), ", ") + "]"
}

// Access is the pair of type sets a unit of logic borrows.
type Access struct {
	Borrows    TypeIDs
	BorrowMuts TypeIDs
}

// Merge returns the union of two access declarations.
func (a Access) Merge(other Access) Access {
	return Access{
		Borrows:    a.Borrows.Union(other.Borrows),
		BorrowMuts: a.BorrowMuts.Union(other.BorrowMuts),
	}
}

// ConflictsWith returns true if the two declarations cannot run
// concurrently: one writes a type the other reads or writes.
func (a Access) ConflictsWith(other Access) bool {
	return a.BorrowMuts.Intersects(other.BorrowMuts) ||
		a.BorrowMuts.Intersects(other.Borrows) ||
		a.Borrows.Intersects(other.BorrowMuts)
}

// DataAccess is implemented by types that statically know their access.
type DataAccess interface {
	Borrows() TypeIDs
	BorrowMuts() TypeIDs
}

// DataAccessDyn is implemented by type-erased values that report the access
// of the concrete type they wrap.
type DataAccessDyn interface {
	BorrowsDyn() TypeIDs
	BorrowMutsDyn() TypeIDs
}

// Of returns the Access of a DataAccess value.
func Of(d DataAccess) Access {
	return Access{Borrows: d.Borrows(), BorrowMuts: d.BorrowMuts()}
}

// OfDyn returns the Access of a DataAccessDyn value.
func OfDyn(d DataAccessDyn) Access {
	return Access{Borrows: d.BorrowsDyn(), BorrowMuts: d.BorrowMutsDyn()}
}
