package access

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/peace/pkg/resources"
)

// accessor is implemented by the field types R, W, RMaybe and WMaybe.
type accessor interface {
	resourceType() reflect.Type
	exclusive() bool
	fetch(r *resources.Resources) (release func(), err error)
}

// R is a shared, required borrow of a T resource.
type R[T any] struct {
	ref *resources.Ref[T]
}

// Get returns the borrowed value.
func (a R[T]) Get() T {
	return a.ref.Get()
}

func (a *R[T]) resourceType() reflect.Type { return resources.TypeOf[T]() }
func (a *R[T]) exclusive() bool            { return false }

func (a *R[T]) fetch(r *resources.Resources) (func(), error) {
	ref, err := resources.TryBorrow[T](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return nil, err
	}
	a.ref = ref
	return ref.Release, nil
}

// W is an exclusive, required borrow of a T resource.
type W[T any] struct {
	ref *resources.RefMut[T]
}

// Get returns the borrowed value.
func (a W[T]) Get() T {
	return a.ref.Get()
}

// Set replaces the stored value.
func (a W[T]) Set(v T) {
	a.ref.Set(v)
}

func (a *W[T]) resourceType() reflect.Type { return resources.TypeOf[T]() }
func (a *W[T]) exclusive() bool            { return true }

func (a *W[T]) fetch(r *resources.Resources) (func(), error) {
	ref, err := resources.TryBorrowMut[T](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return nil, err
	}
	a.ref = ref
	return ref.Release, nil
}

// RMaybe is a shared borrow of a T resource that may be absent.
type RMaybe[T any] struct {
	ref *resources.Ref[T]
}

// Get returns the borrowed value, or false if it was not inserted.
func (a RMaybe[T]) Get() (T, bool) {
	if a.ref == nil {
		var zero T
		return zero, false
	}
	return a.ref.Get(), true
}

func (a *RMaybe[T]) resourceType() reflect.Type { return resources.TypeOf[T]() }
func (a *RMaybe[T]) exclusive() bool            { return false }

func (a *RMaybe[T]) fetch(r *resources.Resources) (func(), error) {
	ref, err := resources.TryBorrow[T](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return func() {}, nil
	}
	a.ref = ref
	return ref.Release, nil
}

// WMaybe is an exclusive borrow of a T resource that may be absent.
type WMaybe[T any] struct {
	ref *resources.RefMut[T]
}

// Get returns the borrowed value, or false if it was not inserted.
func (a WMaybe[T]) Get() (T, bool) {
	if a.ref == nil {
		var zero T
		return zero, false
	}
	return a.ref.Get(), true
}

// Set replaces the stored value. It reports false if the value is absent.
func (a WMaybe[T]) Set(v T) bool {
	if a.ref == nil {
		return false
	}
	a.ref.Set(v)
	return true
}

func (a *WMaybe[T]) resourceType() reflect.Type { return resources.TypeOf[T]() }
func (a *WMaybe[T]) exclusive() bool            { return true }

func (a *WMaybe[T]) fetch(r *resources.Resources) (func(), error) {
	ref, err := resources.TryBorrowMut[T](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		return func() {}, nil
	}
	a.ref = ref
	return ref.Release, nil
}

// walk visits each accessor field in a data struct, recursing into nested
// structs that are not accessors themselves.
func walk(v reflect.Value, fn func(accessor) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		if a, ok := fv.Addr().Interface().(accessor); ok {
			if err := fn(a); err != nil {
				return err
			}
			continue
		}
		if fv.Kind() == reflect.Struct {
			if err := walk(fv, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Declare computes the Access of a data struct type D from its accessor
// fields. D must be a struct.
func Declare[D any]() Access {
	var d D
	v := reflect.ValueOf(&d).Elem()
	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("access: data type %T is not a struct", d))
	}

	var a Access
	_ = walk(v, func(f accessor) error {
		if f.exclusive() {
			a.BorrowMuts.Add(f.resourceType())
		} else {
			a.Borrows.Add(f.resourceType())
		}
		return nil
	})
	return a
}

// Fetch builds a D by borrowing each of its accessor fields from r.
//
// A required field whose resource is absent returns an error and releases
// any borrows already taken. Conflicts panic. The returned function releases
// every borrow and must be called once the data is no longer used.
func Fetch[D any](r *resources.Resources) (D, func(), error) {
	var d D
	v := reflect.ValueOf(&d).Elem()
	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("access: data type %T is not a struct", d))
	}

	releases := make([]func(), 0)
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	err := walk(v, func(f accessor) error {
		release, err := f.fetch(r)
		if err != nil {
			return err
		}
		releases = append(releases, release)
		return nil
	})
	if err != nil {
		releaseAll()
		var zero D
		return zero, func() {}, fmt.Errorf("failed to fetch %T: %w", d, err)
	}
	return d, releaseAll, nil
}

// Static wraps a data struct type so it satisfies DataAccess.
type Static[D any] struct{}

// Borrows implements DataAccess.
func (Static[D]) Borrows() TypeIDs { return Declare[D]().Borrows }

// BorrowMuts implements DataAccess.
func (Static[D]) BorrowMuts() TypeIDs { return Declare[D]().BorrowMuts }
