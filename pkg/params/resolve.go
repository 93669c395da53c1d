package params

import (
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
)

// WholeValue is the name reported in Partial.Missing when a whole-value
// spec could not be resolved.
const WholeValue = "."

// ResolveCtx carries what value specs are resolved against.
type ResolveCtx struct {
	ItemID    resources.ItemID
	Resources *resources.Resources
	Registry  *MappingFnReg
	Mode      ResolutionMode
}

// Partial holds params where some fields may not be resolvable yet, e.g.
// because they map the state of an item that has not been discovered.
type Partial[P any] struct {
	Value   P
	Missing []string
}

// IsComplete reports whether every field was resolved.
func (p Partial[P]) IsComplete() bool {
	return len(p.Missing) == 0
}

// Resolve resolves spec into a P. Any value that cannot be found is an error.
// Borrow conflicts panic.
func Resolve[P any](rc ResolveCtx, spec ParamsSpec) (P, error) {
	partial, err := ResolvePartial[P](rc, spec)
	if err != nil {
		return partial.Value, err
	}
	if !partial.IsComplete() {
		return partial.Value, resolveError(rc, fmt.Sprintf("values not available for %v", partial.Missing), nil)
	}
	return partial.Value, nil
}

// ResolvePartial resolves what it can. Values that are not found are listed
// in Missing rather than returned as errors.
func ResolvePartial[P any](rc ResolveCtx, spec ParamsSpec) (Partial[P], error) {
	var out Partial[P]
	t := reflect.TypeFor[P]()

	if whole, ok := spec.WholeSpec(); ok {
		v, found, err := resolveValue(rc, whole, t)
		if err != nil {
			return out, resolveError(rc, "whole value", err)
		}
		if !found {
			out.Missing = []string{WholeValue}
			return out, nil
		}
		reflect.ValueOf(&out.Value).Elem().Set(v)
		return out, nil
	}

	fields, err := structFields(t)
	if err != nil {
		return out, resolveError(rc, "invalid params type", err)
	}
	known := make(map[string]struct{}, len(fields))
	target := reflect.ValueOf(&out.Value).Elem()
	if t.Kind() == reflect.Pointer {
		target.Set(reflect.New(t.Elem()))
		target = target.Elem()
	}

	for _, f := range fields {
		known[f.name] = struct{}{}
		vs, ok := spec.Field(f.name)
		if !ok {
			out.Missing = append(out.Missing, f.name)
			continue
		}
		v, found, err := resolveValue(rc, vs, f.typ)
		if err != nil {
			return out, resolveError(rc, fmt.Sprintf("field %s", f.name), err)
		}
		if !found {
			out.Missing = append(out.Missing, f.name)
			continue
		}
		target.Field(f.index).Set(v)
	}

	for _, name := range spec.FieldNames() {
		if _, ok := known[name]; !ok {
			return out, resolveError(rc, fmt.Sprintf("value spec for unknown field %s", name), nil)
		}
	}
	return out, nil
}

// resolveValue resolves one value spec into a value of type t. found is
// false if the value is not available yet.
func resolveValue(rc ResolveCtx, vs ValueSpec, t reflect.Type) (reflect.Value, bool, error) {
	switch vs.Kind {
	case KindValue:
		bound, err := vs.bind(t)
		if err != nil {
			return reflect.Value{}, false, err
		}
		v, err := coerce(bound.Value, t)
		if err != nil {
			return reflect.Value{}, false, err
		}
		return v, true, nil

	case KindStored, KindInMemory:
		// Stored specs that were not merged with a stored value read the
		// resource store like InMemory.
		raw, release, err := rc.Resources.TryBorrowRaw(t)
		if err != nil {
			if resources.IsBorrowConflict(err) {
				panic(err)
			}
			return reflect.Value{}, false, nil
		}
		defer release()
		return coerceValue(raw, t)

	case KindMappingFn:
		fn, ok := rc.Registry.Get(vs.FnID)
		if !ok {
			return reflect.Value{}, false, fmt.Errorf("mapping function %q is not registered", vs.FnID)
		}
		raw, found, err := fn.Map(rc.Resources, rc.Mode)
		if err != nil {
			return reflect.Value{}, false, err
		}
		if !found {
			return reflect.Value{}, false, nil
		}
		if out := fn.OutputType(); !out.AssignableTo(t) && !out.ConvertibleTo(t) && out.Kind() != reflect.Interface {
			return reflect.Value{}, false, fmt.Errorf("mapping function %q returns %s, expected %s", vs.FnID, out, t)
		}
		return coerceValue(raw, t)

	default:
		return reflect.Value{}, false, fmt.Errorf("invalid value spec kind: %q", vs.Kind)
	}
}

func coerceValue(raw any, t reflect.Type) (reflect.Value, bool, error) {
	v, err := coerce(raw, t)
	if err != nil {
		return reflect.Value{}, false, err
	}
	return v, true, nil
}

// coerce converts raw into a value of type t. Values of other shapes, such
// as maps produced by a config file, are converted through YAML.
func coerce(raw any, t reflect.Type) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(raw)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Type().AssignableTo(t) {
		return v.Elem(), nil
	}
	if isScalar(v.Kind()) && isScalar(t.Kind()) && v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}

	var node yaml.Node
	if err := node.Encode(raw); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", raw, t, err)
	}
	ptr := reflect.New(t)
	if err := node.Decode(ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", raw, t, err)
	}
	return ptr.Elem(), nil
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func resolveError(rc ResolveCtx, msg string, err error) error {
	return engine.NewPermanentError("failed to resolve params: "+msg, err).
		WithCode(engine.ErrCodeParamsResolve).
		WithItem(rc.ItemID.String()).
		WithDetail("mode", string(rc.Mode))
}
