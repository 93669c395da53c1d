package config

import (
	"fmt"
	"reflect"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// DefaultStarlarkTimeout bounds one mapping function evaluation.
const DefaultStarlarkTimeout = 5 * time.Second

// StarlarkMappingFn computes a params field from another item's state with
// a Starlark expression. The state is bound to the name `state`, as plain
// dicts and lists following its YAML form. An expression evaluating to
// None means the value is not known yet.
type StarlarkMappingFn struct {
	id      params.MappingFnID
	source  params.StateSource
	expr    string
	mode    params.ResolutionMode
	timeout time.Duration
	program *starlark.Program
}

var starlarkPredeclared = starlark.StringDict{
	"struct": starlarkstruct.Default,
}

// NewStarlarkMappingFn compiles expr. phase pins the state phase read and
// may be empty to follow the command's resolution mode.
func NewStarlarkMappingFn(id params.MappingFnID, source params.StateSource, expr, phase string) (*StarlarkMappingFn, error) {
	src := "result = (" + expr + ")\n"
	isPredeclared := func(name string) bool {
		_, ok := starlarkPredeclared[name]
		return ok || name == "state"
	}
	_, prog, err := starlark.SourceProgram(string(id)+".star", src, isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("mapping function %s: %w", id, err)
	}
	return &StarlarkMappingFn{
		id:      id,
		source:  source,
		expr:    expr,
		mode:    params.ResolutionMode(phase),
		timeout: DefaultStarlarkTimeout,
		program: prog,
	}, nil
}

// WithTimeout sets how long one evaluation may run.
func (m *StarlarkMappingFn) WithTimeout(d time.Duration) *StarlarkMappingFn {
	if d > 0 {
		m.timeout = d
	}
	return m
}

func (m *StarlarkMappingFn) ID() params.MappingFnID   { return m.id }
func (m *StarlarkMappingFn) OutputType() reflect.Type { return reflect.TypeFor[any]() }
func (m *StarlarkMappingFn) Access() access.Access    { return m.source.StateAccess() }

// Expr returns the source expression.
func (m *StarlarkMappingFn) Expr() string { return m.expr }

// Map evaluates the expression over the source item's state.
func (m *StarlarkMappingFn) Map(r *resources.Resources, mode params.ResolutionMode) (any, bool, error) {
	if m.mode != "" {
		mode = m.mode
	}
	state, ok := m.source.ReadState(r, mode)
	if !ok {
		return nil, false, nil
	}

	plain, err := plainValue(state)
	if err != nil {
		return nil, false, fmt.Errorf("mapping function %s: %w", m.id, err)
	}
	sv, err := toStarlarkValue(plain)
	if err != nil {
		return nil, false, fmt.Errorf("mapping function %s: %w", m.id, err)
	}

	out, err := m.eval(sv)
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

func (m *StarlarkMappingFn) eval(state starlark.Value) (any, error) {
	thread := &starlark.Thread{
		Name:  string(m.id),
		Print: func(_ *starlark.Thread, msg string) {},
	}
	timer := time.AfterFunc(m.timeout, func() {
		thread.Cancel(fmt.Sprintf("timeout after %v", m.timeout))
	})
	defer timer.Stop()

	env := make(starlark.StringDict, len(starlarkPredeclared)+1)
	for k, v := range starlarkPredeclared {
		env[k] = v
	}
	env["state"] = state

	globals, err := m.program.Init(thread, env)
	if err != nil {
		return nil, fmt.Errorf("mapping function %s: %w", m.id, err)
	}
	out, err := fromStarlarkValue(globals["result"])
	if err != nil {
		return nil, fmt.Errorf("mapping function %s: %w", m.id, err)
	}
	return out, nil
}

// plainValue converts a state into maps, slices and scalars through YAML,
// so expressions see the same field names as the state files.
func plainValue(v any) (any, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	var out any
	if err := node.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, x := range val {
			item, err := fromStarlarkValue(x)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
