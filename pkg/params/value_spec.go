// Package params describes how item parameters are obtained and resolves
// them against the resource store at execution time.
package params

import (
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// ValueSpecKind is the strategy used to obtain a value.
type ValueSpecKind string

const (
	// KindValue uses a literal value.
	KindValue ValueSpecKind = "value"

	// KindStored reuses the value spec saved by a previous command.
	KindStored ValueSpecKind = "stored"

	// KindInMemory reads the value from the resource store by type.
	KindInMemory ValueSpecKind = "in_memory"

	// KindMappingFn computes the value from another item's state.
	KindMappingFn ValueSpecKind = "mapping_fn"
)

// MappingFnID names a registered mapping function.
type MappingFnID string

// ValueSpec specifies how to obtain one value.
type ValueSpec struct {
	Kind ValueSpecKind

	// Value holds the literal for KindValue. Values loaded from storage hold a
	// *yaml.Node until bound to a concrete type.
	Value any

	// FieldName and FnID are set for KindMappingFn.
	FieldName string
	FnID      MappingFnID
}

// Value returns a literal value spec.
func Value(v any) ValueSpec {
	return ValueSpec{Kind: KindValue, Value: v}
}

// Stored returns a spec that reuses the previously stored spec.
func Stored() ValueSpec {
	return ValueSpec{Kind: KindStored}
}

// InMemory returns a spec that reads the value from the resource store.
func InMemory() ValueSpec {
	return ValueSpec{Kind: KindInMemory}
}

// FromMappingFn returns a spec that computes the value with a registered
// mapping function.
func FromMappingFn(fieldName string, fnID MappingFnID) ValueSpec {
	return ValueSpec{Kind: KindMappingFn, FieldName: fieldName, FnID: fnID}
}

// IsUsable reports whether the spec can be resolved without first being
// merged with a stored spec.
func (v ValueSpec) IsUsable(reg *MappingFnReg) bool {
	switch v.Kind {
	case KindStored:
		return false
	case KindMappingFn:
		if reg == nil {
			return false
		}
		_, ok := reg.Get(v.FnID)
		return ok
	default:
		return true
	}
}

// bind decodes a raw YAML literal into t. Other kinds are returned unchanged.
func (v ValueSpec) bind(t reflect.Type) (ValueSpec, error) {
	if v.Kind != KindValue {
		return v, nil
	}
	node, ok := v.Value.(*yaml.Node)
	if !ok {
		return v, nil
	}
	ptr := reflect.New(t)
	if err := node.Decode(ptr.Interface()); err != nil {
		return v, fmt.Errorf("failed to decode value as %s: %w", t, err)
	}
	v.Value = ptr.Elem().Interface()
	return v, nil
}

// valueSpecYAML is the on-disk form of a ValueSpec.
type valueSpecYAML struct {
	Value     *yaml.Node     `yaml:"value,omitempty"`
	Stored    *struct{}      `yaml:"stored,omitempty"`
	InMemory  *struct{}      `yaml:"in_memory,omitempty"`
	MappingFn *mappingFnYAML `yaml:"mapping_fn,omitempty"`
}

type mappingFnYAML struct {
	FieldName string      `yaml:"field_name,omitempty"`
	FnID      MappingFnID `yaml:"fn_id"`
}

// MarshalYAML implements yaml.Marshaler.
func (v ValueSpec) MarshalYAML() (interface{}, error) {
	out := valueSpecYAML{}
	switch v.Kind {
	case KindValue:
		if node, ok := v.Value.(*yaml.Node); ok {
			out.Value = node
			break
		}
		node := &yaml.Node{}
		if err := node.Encode(v.Value); err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		out.Value = node
	case KindStored:
		out.Stored = &struct{}{}
	case KindInMemory:
		out.InMemory = &struct{}{}
	case KindMappingFn:
		out.MappingFn = &mappingFnYAML{FieldName: v.FieldName, FnID: v.FnID}
	default:
		return nil, fmt.Errorf("invalid value spec kind: %q", v.Kind)
	}
	return out, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Literal values are kept as
// *yaml.Node until bound to the params type.
func (v *ValueSpec) UnmarshalYAML(node *yaml.Node) error {
	var in valueSpecYAML
	if err := node.Decode(&in); err != nil {
		return err
	}

	set := 0
	if in.Value != nil {
		*v = ValueSpec{Kind: KindValue, Value: in.Value}
		set++
	}
	if in.Stored != nil {
		*v = Stored()
		set++
	}
	if in.InMemory != nil {
		*v = InMemory()
		set++
	}
	if in.MappingFn != nil {
		*v = FromMappingFn(in.MappingFn.FieldName, in.MappingFn.FnID)
		set++
	}
	if set != 1 {
		return fmt.Errorf("line %d: value spec must have exactly one of value, stored, in_memory, mapping_fn", node.Line)
	}
	return nil
}
