package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/items/blank"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
)

func intPtr(v int) *int { return &v }

// currentStates returns resources holding discovered current states.
func currentStates(values map[resources.ItemID]blank.State) *resources.Resources {
	r := resources.New()
	states := resources.NewStates[ts.Current]()
	for id, s := range values {
		states.Insert(id, s)
	}
	resources.Insert(r, states)
	return r
}

func TestConfig_Build(t *testing.T) {
	cfg, err := NewCUEParser().Parse("peace.cue", []byte(validDefinition))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	def, err := cfg.Build(nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ids := def.Flow.ItemIDs()
	if len(ids) != 2 || ids[0] != "version" || ids[1] != "config_file" {
		t.Errorf("Expected [version config_file], got %v", ids)
	}
	preds := def.Flow.Graph().Predecessors("config_file")
	if len(preds) != 1 || preds[0] != "version" {
		t.Errorf("Expected config_file after version, got %v", preds)
	}

	if def.ParamsSpecs.Len() != 2 {
		t.Errorf("Expected 2 params specs, got %d", def.ParamsSpecs.Len())
	}
	spec, _ := def.ParamsSpecs.Get("config_file")
	content, ok := spec.Field("content")
	if !ok || content.Kind != params.KindMappingFn || content.FnID != "render_conf" {
		t.Errorf("Expected content from render_conf, got %+v", content)
	}

	fn, ok := def.MappingFns.Get("render_conf")
	if !ok {
		t.Fatal("Expected render_conf to be registered")
	}
	out, found, err := fn.Map(currentStates(map[resources.ItemID]blank.State{"version": {Value: intPtr(3)}}), params.ModeCurrent)
	if err != nil || !found {
		t.Fatalf("Map failed: %v (found=%v)", err, found)
	}
	if out != "version = 3" {
		t.Errorf("Expected %q, got %v", "version = 3", out)
	}
}

func TestConfig_Build_FillsOptionalFields(t *testing.T) {
	cfg := &Config{
		Flow: FlowConfig{ID: "app"},
		Items: []ItemConfig{{
			ID:   "f",
			Kind: "file",
			Params: map[string]ValueConfig{
				"path":    {Value: "/tmp/x"},
				"content": {Value: "hi"},
			},
		}},
	}

	def, err := cfg.Build(DefaultKinds())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	spec, _ := def.ParamsSpecs.Get("f")
	mode, ok := spec.Field("mode")
	if !ok || mode.Kind != params.KindValue || mode.Value != "" {
		t.Errorf("Expected zero mode value, got %+v (present=%v)", mode, ok)
	}
}

func TestConfig_Build_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{
			name: "unknown kind",
			cfg:  &Config{Flow: FlowConfig{ID: "app"}, Items: []ItemConfig{{ID: "a", Kind: "database"}}},
			want: `unknown item kind "database"`,
		},
		{
			name: "cycle",
			cfg: &Config{Flow: FlowConfig{ID: "app"}, Items: []ItemConfig{
				{ID: "a", Kind: "blank", After: []string{"b"}},
				{ID: "b", Kind: "blank", After: []string{"a"}},
			}},
			want: "circular",
		},
		{
			name: "bad expression",
			cfg: &Config{
				Flow:       FlowConfig{ID: "app"},
				Items:      []ItemConfig{{ID: "a", Kind: "blank"}},
				MappingFns: map[string]MappingFnConfig{"f": {From: "a", Expr: "state["}},
			},
			want: "invalid mapping function",
		},
		{
			name: "undefined name",
			cfg: &Config{
				Flow:       FlowConfig{ID: "app"},
				Items:      []ItemConfig{{ID: "a", Kind: "blank"}},
				MappingFns: map[string]MappingFnConfig{"f": {From: "a", Expr: "other + 1"}},
			},
			want: "invalid mapping function",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Build(nil)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.want) {
				t.Errorf("Expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestStarlarkMappingFn_Map(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		state *blank.State
		want  any
		found bool
	}{
		{name: "arithmetic", expr: "state['value'] + 1", state: &blank.State{Value: intPtr(41)}, want: int64(42), found: true},
		{name: "none is unknown", expr: "state['value']", state: &blank.State{}, found: false},
		{name: "conditional", expr: "'big' if state['value'] > 10 else 'small'", state: &blank.State{Value: intPtr(3)}, want: "small", found: true},
		{name: "source not discovered", expr: "1", state: nil, found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := NewStarlarkMappingFn("f", params.MarkerSource[blank.State]("a"), tt.expr, "")
			if err != nil {
				t.Fatalf("NewStarlarkMappingFn failed: %v", err)
			}
			values := map[resources.ItemID]blank.State{}
			if tt.state != nil {
				values["a"] = *tt.state
			}

			got, found, err := fn.Map(currentStates(values), params.ModeCurrent)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if found != tt.found {
				t.Fatalf("Expected found %v, got %v", tt.found, found)
			}
			if found && got != tt.want {
				t.Errorf("Expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestStarlarkMappingFn_Timeout(t *testing.T) {
	expr := "[x for x in range(100000000) if x < 0]"
	fn, err := NewStarlarkMappingFn("slow", params.MarkerSource[blank.State]("a"), expr, "")
	if err != nil {
		t.Fatalf("NewStarlarkMappingFn failed: %v", err)
	}
	fn.WithTimeout(10 * time.Millisecond)

	r := currentStates(map[resources.ItemID]blank.State{"a": {Value: intPtr(1)}})
	_, _, err = fn.Map(r, params.ModeCurrent)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestStarlarkMappingFn_ResolvesParams(t *testing.T) {
	fn, err := NewStarlarkMappingFn("plus_one", params.MarkerSource[blank.State]("a"), "state['value'] + 1", "")
	if err != nil {
		t.Fatalf("NewStarlarkMappingFn failed: %v", err)
	}
	reg := params.NewMappingFnReg()
	reg.MustRegister(fn)

	b := blank.New("b")
	spec := params.FieldWise(map[string]params.ValueSpec{"src": params.FromMappingFn("src", "plus_one")})
	if err := b.BindParams(spec, reg); err != nil {
		t.Fatalf("BindParams failed: %v", err)
	}

	r := currentStates(map[resources.ItemID]blank.State{"a": {Value: intPtr(41)}})
	resources.Insert(r, blank.NewStore())
	goal, err := b.StateGoalExec(item.NewFnCtx(context.Background(), "b", nil), r, params.ModeCurrent)
	if err != nil {
		t.Fatalf("StateGoalExec failed: %v", err)
	}
	if s := goal.(blank.State); s.Value == nil || *s.Value != 42 {
		t.Errorf("Expected goal 42, got %v", goal)
	}
}

func TestKinds(t *testing.T) {
	kinds := DefaultKinds()
	names := kinds.Names()
	if strings.Join(names, ",") != "blank,file,remote_file" {
		t.Errorf("Expected default kinds, got %v", names)
	}

	if err := kinds.Register(KindOf[blank.State]("blank", func(id resources.ItemID) item.ItemRt { return blank.New(id) })); err == nil {
		t.Error("Expected duplicate kind to be rejected")
	}
	if err := kinds.Register(Kind{Name: "partial"}); err == nil {
		t.Error("Expected incomplete kind to be rejected")
	}

	_, err := (&Config{Flow: FlowConfig{ID: "app"}, Items: []ItemConfig{{ID: "a", Kind: "nope"}}}).Build(kinds)
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected code %s, got %v", engine.ErrCodeValidation, err)
	}
}

func TestConfig_Build_UnknownMappingFnSource(t *testing.T) {
	cfg := &Config{
		Flow:  FlowConfig{ID: "app"},
		Items: []ItemConfig{{ID: "a", Kind: "blank"}},
		MappingFns: map[string]MappingFnConfig{
			"from_missing": {From: "missing", Expr: "state"},
		},
	}

	_, err := cfg.Build(nil)
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Fatalf("Expected %s, got %v", engine.ErrCodeValidation, err)
	}
	if !strings.Contains(err.Error(), `unknown item "missing"`) {
		t.Errorf("Expected error to name the missing item, got %v", err)
	}
}
