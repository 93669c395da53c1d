package params

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/resources"
)

// ParamsSpec specifies how to obtain an item's params: either one ValueSpec
// for the whole value, or one ValueSpec per field.
type ParamsSpec struct {
	whole  *ValueSpec
	fields map[string]ValueSpec
}

// Whole returns a spec that obtains the params value in one piece.
func Whole(v ValueSpec) ParamsSpec {
	return ParamsSpec{whole: &v}
}

// FieldWise returns a spec with one value spec per field. Field names match
// the yaml tag of the params struct field, or the Go field name if there is
// no tag.
func FieldWise(fields map[string]ValueSpec) ParamsSpec {
	out := ParamsSpec{fields: make(map[string]ValueSpec, len(fields))}
	for k, v := range fields {
		out.fields[k] = v
	}
	return out
}

// IsFieldWise reports whether the spec has per-field value specs.
func (p ParamsSpec) IsFieldWise() bool {
	return p.whole == nil
}

// WholeSpec returns the whole-value spec, if the spec is not field-wise.
func (p ParamsSpec) WholeSpec() (ValueSpec, bool) {
	if p.whole == nil {
		return ValueSpec{}, false
	}
	return *p.whole, true
}

// Field returns the value spec for a field.
func (p ParamsSpec) Field(name string) (ValueSpec, bool) {
	v, ok := p.fields[name]
	return v, ok
}

// FieldNames returns the field names, sorted.
func (p ParamsSpec) FieldNames() []string {
	names := make([]string, 0, len(p.fields))
	for k := range p.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsUsable reports whether every value spec can be resolved as is.
func (p ParamsSpec) IsUsable(reg *MappingFnReg) bool {
	if p.whole != nil {
		return p.whole.IsUsable(reg)
	}
	for _, v := range p.fields {
		if !v.IsUsable(reg) {
			return false
		}
	}
	return true
}

// Merge combines a provided spec with the spec stored by a previous command.
// Stored value specs in p are replaced by their stored counterparts, and
// fields not provided are taken from stored.
func (p ParamsSpec) Merge(stored ParamsSpec) ParamsSpec {
	if p.whole != nil {
		if p.whole.Kind == KindStored {
			return stored
		}
		return p
	}
	if stored.whole != nil {
		// A stored whole value cannot be split into fields.
		return p
	}

	out := FieldWise(p.fields)
	for name, v := range out.fields {
		if v.Kind != KindStored {
			continue
		}
		if s, ok := stored.fields[name]; ok {
			out.fields[name] = s
		}
	}
	for name, s := range stored.fields {
		if _, ok := out.fields[name]; !ok {
			out.fields[name] = s
		}
	}
	return out
}

// Access returns the resources resolving the spec into t borrows.
func (p ParamsSpec) Access(t reflect.Type, reg *MappingFnReg) access.Access {
	var a access.Access
	if p.whole != nil {
		return valueAccess(*p.whole, t, reg)
	}
	fields, err := structFields(t)
	if err != nil {
		return a
	}
	for _, f := range fields {
		if v, ok := p.fields[f.name]; ok {
			a = a.Merge(valueAccess(v, f.typ, reg))
		}
	}
	return a
}

func valueAccess(v ValueSpec, t reflect.Type, reg *MappingFnReg) access.Access {
	switch v.Kind {
	case KindStored, KindInMemory:
		return access.Access{Borrows: access.NewTypeIDs(t)}
	case KindMappingFn:
		if fn, ok := reg.Get(v.FnID); ok {
			return fn.Access()
		}
	}
	return access.Access{}
}

// Bind decodes raw YAML literals into the types of t, the params type.
func (p ParamsSpec) Bind(t reflect.Type) (ParamsSpec, error) {
	if p.whole != nil {
		v, err := p.whole.bind(t)
		if err != nil {
			return p, err
		}
		return Whole(v), nil
	}

	fields, err := structFields(t)
	if err != nil {
		return p, err
	}
	out := FieldWise(p.fields)
	for _, f := range fields {
		v, ok := out.fields[f.name]
		if !ok {
			continue
		}
		bound, err := v.bind(f.typ)
		if err != nil {
			return p, fmt.Errorf("field %s: %w", f.name, err)
		}
		out.fields[f.name] = bound
	}
	return out, nil
}

type paramsField struct {
	name  string
	index int
	typ   reflect.Type
}

// structFields lists the exported fields of a params struct with their spec
// names.
func structFields(t reflect.Type) ([]paramsField, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("field-wise params spec requires a struct, got %s", t)
	}
	fields := make([]paramsField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("yaml"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields = append(fields, paramsField{name: name, index: i, typ: sf.Type})
	}
	return fields, nil
}

// MarshalYAML implements yaml.Marshaler.
func (p ParamsSpec) MarshalYAML() (interface{}, error) {
	if p.whole != nil {
		return p.whole.MarshalYAML()
	}
	return struct {
		FieldWise map[string]ValueSpec `yaml:"field_wise"`
	}{FieldWise: p.fields}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ParamsSpec) UnmarshalYAML(node *yaml.Node) error {
	var probe struct {
		FieldWise map[string]ValueSpec `yaml:"field_wise"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}
	if probe.FieldWise != nil {
		*p = FieldWise(probe.FieldWise)
		return nil
	}

	var v ValueSpec
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = Whole(v)
	return nil
}

// ParamsSpecs maps item IDs to params specs, in insertion order.
type ParamsSpecs struct {
	order []resources.ItemID
	specs map[resources.ItemID]ParamsSpec
}

// NewParamsSpecs creates an empty ParamsSpecs.
func NewParamsSpecs() *ParamsSpecs {
	return &ParamsSpecs{specs: make(map[resources.ItemID]ParamsSpec)}
}

// Insert sets the spec for an item.
func (s *ParamsSpecs) Insert(id resources.ItemID, spec ParamsSpec) {
	if _, ok := s.specs[id]; !ok {
		s.order = append(s.order, id)
	}
	s.specs[id] = spec
}

// Get returns the spec for an item.
func (s *ParamsSpecs) Get(id resources.ItemID) (ParamsSpec, bool) {
	if s == nil {
		return ParamsSpec{}, false
	}
	spec, ok := s.specs[id]
	return spec, ok
}

// ItemIDs returns the item IDs in insertion order.
func (s *ParamsSpecs) ItemIDs() []resources.ItemID {
	if s == nil {
		return nil
	}
	return append([]resources.ItemID(nil), s.order...)
}

// Len returns the number of specs.
func (s *ParamsSpecs) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Merge returns provided specs merged over stored specs. Items with only a
// stored spec keep it.
func (s *ParamsSpecs) Merge(stored *ParamsSpecs) *ParamsSpecs {
	out := NewParamsSpecs()
	for _, id := range s.ItemIDs() {
		spec := s.specs[id]
		if prev, ok := stored.Get(id); ok {
			spec = spec.Merge(prev)
		}
		out.Insert(id, spec)
	}
	for _, id := range stored.ItemIDs() {
		if _, ok := out.specs[id]; !ok {
			out.Insert(id, stored.specs[id])
		}
	}
	return out
}

// MarshalYAML implements yaml.Marshaler, keeping insertion order.
func (s *ParamsSpecs) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range s.order {
		value := &yaml.Node{}
		if err := value.Encode(s.specs[id]); err != nil {
			return nil, fmt.Errorf("failed to encode params spec for %s: %w", id, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: id.String()},
			value,
		)
	}
	return node, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ParamsSpecs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: params specs must be a mapping", node.Line)
	}
	*s = *NewParamsSpecs()
	for i := 0; i+1 < len(node.Content); i += 2 {
		id, err := resources.NewItemID(node.Content[i].Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Content[i].Line, err)
		}
		var spec ParamsSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return fmt.Errorf("params spec for %s: %w", id, err)
		}
		s.Insert(id, spec)
	}
	return nil
}
