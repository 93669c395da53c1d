package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// Definition is what a flow definition builds: the flow, the params specs
// of its items and the mapping functions those specs name.
type Definition struct {
	Flow        *flow.Flow
	ParamsSpecs *params.ParamsSpecs
	MappingFns  *params.MappingFnReg
}

// Build creates the flow described by cfg. Items without params get no
// spec, so they rely on specs stored by an earlier command. Optional params
// fields left out default to their zero value.
func (cfg *Config) Build(kinds *Kinds) (*Definition, error) {
	if kinds == nil {
		kinds = DefaultKinds()
	}

	byID := make(map[string]Kind, len(cfg.Items))
	b := flow.NewBuilder(flow.FlowID(cfg.Flow.ID))
	for _, it := range cfg.Items {
		kind, ok := kinds.Get(it.Kind)
		if !ok {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("unknown item kind %q, expected one of %v", it.Kind, kinds.Names()), nil).
				WithCode(engine.ErrCodeValidation).
				WithItem(it.ID)
		}
		byID[it.ID] = kind
		b.Add(kind.New(resources.ItemID(it.ID)))
	}
	for _, it := range cfg.Items {
		for _, after := range it.After {
			b.Edge(resources.ItemID(after), resources.ItemID(it.ID))
		}
	}
	f, err := b.Build()
	if err != nil {
		return nil, err
	}

	reg := params.NewMappingFnReg()
	for _, name := range sortedKeys(cfg.MappingFns) {
		mc := cfg.MappingFns[name]
		fromKind, ok := byID[mc.From]
		if !ok {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("mapping function reads unknown item %q", mc.From), nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("mapping_fn", name)
		}
		from := resources.ItemID(mc.From)
		fn, err := NewStarlarkMappingFn(params.MappingFnID(name), fromKind.StateSource(from), mc.Expr, mc.Phase)
		if err != nil {
			return nil, engine.NewPermanentError("invalid mapping function", err).
				WithCode(engine.ErrCodeValidation).
				WithDetail("mapping_fn", name)
		}
		if err := reg.Register(fn); err != nil {
			return nil, err
		}
	}

	specs := params.NewParamsSpecs()
	for _, it := range cfg.Items {
		if len(it.Params) == 0 {
			continue
		}
		fields := make(map[string]params.ValueSpec, len(it.Params))
		for field, vc := range it.Params {
			fields[field] = vc.ValueSpec(field)
		}
		if t, ok := f.ParamsTypeReg().Get(resources.ItemID(it.ID)); ok {
			fillOptional(fields, t)
		}
		specs.Insert(resources.ItemID(it.ID), params.FieldWise(fields))
	}

	return &Definition{Flow: f, ParamsSpecs: specs, MappingFns: reg}, nil
}

// fillOptional gives omitempty fields of the params struct t that the
// definition leaves out their zero value.
func fillOptional(fields map[string]params.ValueSpec, t reflect.Type) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, opts, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		if !sf.IsExported() || name == "" || name == "-" || !strings.Contains(opts, "omitempty") {
			continue
		}
		if _, ok := fields[name]; !ok {
			fields[name] = params.Value(reflect.Zero(sf.Type).Interface())
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
