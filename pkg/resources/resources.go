// Package resources provides the type-keyed resource store shared by every
// item and command block in a single command invocation.
//
// Each type has at most one value. Access is borrow-checked at runtime: any
// number of shared borrows, or exactly one exclusive borrow, may be
// outstanding for a type. Violating this is a programming error and panics.
package resources

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// BorrowFailKind classifies why a borrow could not be obtained.
type BorrowFailKind string

const (
	// ValueNotFound means no value of the type was inserted. Recoverable.
	ValueNotFound BorrowFailKind = "value_not_found"

	// BorrowConflictImm means a shared borrow was requested while an
	// exclusive borrow was outstanding.
	BorrowConflictImm BorrowFailKind = "borrow_conflict_imm"

	// BorrowConflictMut means an exclusive borrow was requested while any
	// other borrow was outstanding.
	BorrowConflictMut BorrowFailKind = "borrow_conflict_mut"
)

// IsConflict returns true for the two conflict kinds.
func (k BorrowFailKind) IsConflict() bool {
	return k == BorrowConflictImm || k == BorrowConflictMut
}

// BorrowFail is returned (or panicked with) when a borrow fails.
type BorrowFail struct {
	Kind BorrowFailKind
	Type reflect.Type
}

// Error implements the error interface.
func (e *BorrowFail) Error() string {
	switch e.Kind {
	case ValueNotFound:
		return fmt.Sprintf("resource not found: %s", e.Type)
	case BorrowConflictImm:
		return fmt.Sprintf("resource borrow conflict: %s is already mutably borrowed", e.Type)
	case BorrowConflictMut:
		return fmt.Sprintf("resource borrow conflict: %s is already borrowed", e.Type)
	default:
		return fmt.Sprintf("resource borrow failed (%s): %s", e.Kind, e.Type)
	}
}

type slot struct {
	value   any
	readers int
	writer  bool
}

// Resources is a map of singleton values keyed by type.
type Resources struct {
	mu    sync.Mutex
	slots map[reflect.Type]*slot
}

// New creates an empty resource store.
func New() *Resources {
	return &Resources{
		slots: make(map[reflect.Type]*slot),
	}
}

// TypeOf returns the key used for values of type T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Insert stores v as the value for type T, replacing any previous value.
// Replacing a value that is currently borrowed panics.
func Insert[T any](r *Resources, v T) {
	r.InsertRaw(TypeOf[T](), v)
}

// InsertRaw stores v under the given type key.
func (r *Resources) InsertRaw(t reflect.Type, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[t]; ok {
		if s.writer {
			panic(&BorrowFail{Kind: BorrowConflictMut, Type: t})
		}
		if s.readers > 0 {
			panic(&BorrowFail{Kind: BorrowConflictMut, Type: t})
		}
		s.value = v
		return
	}
	r.slots[t] = &slot{value: v}
}

// Remove deletes the value for type T, returning it if it existed.
func Remove[T any](r *Resources) (T, bool) {
	t := TypeOf[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	s, ok := r.slots[t]
	if !ok {
		return zero, false
	}
	if s.writer || s.readers > 0 {
		panic(&BorrowFail{Kind: BorrowConflictMut, Type: t})
	}
	delete(r.slots, t)
	v, _ := s.value.(T)
	return v, true
}

// Contains returns true if a value of type T has been inserted.
func Contains[T any](r *Resources) bool {
	return r.ContainsRaw(TypeOf[T]())
}

// ContainsRaw returns true if a value is stored under the type key.
func (r *Resources) ContainsRaw(t reflect.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[t]
	return ok
}

// Types returns the type keys currently stored, sorted by name.
func (r *Resources) Types() []reflect.Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]reflect.Type, 0, len(r.slots))
	for t := range r.slots {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].String() < types[j].String() })
	return types
}

// Len returns the number of stored values.
func (r *Resources) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Resources) acquire(t reflect.Type, exclusive bool) (*slot, *BorrowFail) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[t]
	if !ok {
		return nil, &BorrowFail{Kind: ValueNotFound, Type: t}
	}
	if exclusive {
		if s.writer || s.readers > 0 {
			return nil, &BorrowFail{Kind: BorrowConflictMut, Type: t}
		}
		s.writer = true
		return s, nil
	}
	if s.writer {
		return nil, &BorrowFail{Kind: BorrowConflictImm, Type: t}
	}
	s.readers++
	return s, nil
}

func (r *Resources) release(s *slot, exclusive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exclusive {
		s.writer = false
		return
	}
	if s.readers > 0 {
		s.readers--
	}
}

// Ref is a shared borrow of a resource.
type Ref[T any] struct {
	r        *Resources
	s        *slot
	value    T
	released bool
	mu       sync.Mutex
}

// Get returns the borrowed value.
func (b *Ref[T]) Get() T {
	return b.value
}

// Release ends the borrow. Calling it more than once is a no-op.
func (b *Ref[T]) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.r.release(b.s, false)
}

// RefMut is an exclusive borrow of a resource.
type RefMut[T any] struct {
	r        *Resources
	s        *slot
	released bool
	mu       sync.Mutex
}

// Get returns the borrowed value.
func (b *RefMut[T]) Get() T {
	v, _ := b.s.value.(T)
	return v
}

// Set replaces the stored value.
func (b *RefMut[T]) Set(v T) {
	b.s.value = v
}

// Release ends the borrow. Calling it more than once is a no-op.
func (b *RefMut[T]) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.r.release(b.s, true)
}

// TryBorrow obtains a shared borrow of the value of type T.
// The returned error is always a *BorrowFail.
func TryBorrow[T any](r *Resources) (*Ref[T], error) {
	t := TypeOf[T]()
	s, fail := r.acquire(t, false)
	if fail != nil {
		return nil, fail
	}
	v, ok := s.value.(T)
	if !ok && s.value != nil {
		r.release(s, false)
		panic(fmt.Sprintf("resource stored under %s has type %T", t, s.value))
	}
	return &Ref[T]{r: r, s: s, value: v}, nil
}

// TryBorrowMut obtains an exclusive borrow of the value of type T.
// The returned error is always a *BorrowFail.
func TryBorrowMut[T any](r *Resources) (*RefMut[T], error) {
	s, fail := r.acquire(TypeOf[T](), true)
	if fail != nil {
		return nil, fail
	}
	return &RefMut[T]{r: r, s: s}, nil
}

// Borrow is like TryBorrow but panics on failure.
func Borrow[T any](r *Resources) *Ref[T] {
	b, err := TryBorrow[T](r)
	if err != nil {
		panic(err)
	}
	return b
}

// BorrowMut is like TryBorrowMut but panics on failure.
func BorrowMut[T any](r *Resources) *RefMut[T] {
	b, err := TryBorrowMut[T](r)
	if err != nil {
		panic(err)
	}
	return b
}

// TryBorrowRaw obtains a shared borrow by type key. The returned release
// function must be called when done.
func (r *Resources) TryBorrowRaw(t reflect.Type) (any, func(), error) {
	s, fail := r.acquire(t, false)
	if fail != nil {
		return nil, nil, fail
	}
	var once sync.Once
	return s.value, func() { once.Do(func() { r.release(s, false) }) }, nil
}

// IsBorrowConflict returns true if err is a borrow conflict.
func IsBorrowConflict(err error) bool {
	if fail, ok := err.(*BorrowFail); ok {
		return fail.Kind.IsConflict()
	}
	return false
}

// IsNotFound returns true if err is a ValueNotFound borrow failure.
func IsNotFound(err error) bool {
	if fail, ok := err.(*BorrowFail); ok {
		return fail.Kind == ValueNotFound
	}
	return false
}
