package flow

import (
	"reflect"
	"testing"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// stubItem is an ItemRt that only reports its identity and types.
type stubItem struct {
	item.ItemRt
	id resources.ItemID
}

func (s stubItem) ID() resources.ItemID          { return s.id }
func (s stubItem) BorrowsDyn() access.TypeIDs    { return access.TypeIDs{} }
func (s stubItem) BorrowMutsDyn() access.TypeIDs { return access.TypeIDs{} }
func (s stubItem) StateType() reflect.Type       { return reflect.TypeFor[string]() }
func (s stubItem) ParamsType() reflect.Type      { return reflect.TypeFor[int]() }
func (s stubItem) BindParams(params.ParamsSpec, *params.MappingFnReg) error {
	return nil
}

func TestBuilder(t *testing.T) {
	f, err := NewBuilder("deploy").
		Add(stubItem{id: "a"}, stubItem{id: "b"}, stubItem{id: "c"}).
		Chain("a", "b", "c").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if f.ID() != "deploy" {
		t.Errorf("Expected deploy, got %s", f.ID())
	}
	if !reflect.DeepEqual(f.ItemIDs(), []resources.ItemID{"a", "b", "c"}) {
		t.Errorf("Expected [a b c], got %v", f.ItemIDs())
	}
	if preds := f.Graph().Predecessors("c"); len(preds) != 1 || preds[0] != "b" {
		t.Errorf("Expected c after b, got %v", preds)
	}

	reg := f.StatesTypeReg()
	if typ, ok := reg.Get("b"); !ok || typ != reflect.TypeFor[string]() {
		t.Errorf("Expected string state type for b, got %v", typ)
	}
	if f.ParamsTypeReg().Len() != 3 {
		t.Errorf("Expected 3 params types, got %d", f.ParamsTypeReg().Len())
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Flow, error)
		code  string
	}{
		{
			name: "cycle",
			build: func() (*Flow, error) {
				return NewBuilder("f").
					Add(stubItem{id: "a"}, stubItem{id: "b"}).
					Edge("a", "b").Edge("b", "a").
					Build()
			},
			code: engine.ErrCodeGraphCycle,
		},
		{
			name: "duplicate item",
			build: func() (*Flow, error) {
				return NewBuilder("f").Add(stubItem{id: "a"}, stubItem{id: "a"}).Build()
			},
			code: engine.ErrCodeAlreadyExists,
		},
		{
			name: "invalid flow id",
			build: func() (*Flow, error) {
				return NewBuilder("9lives").Build()
			},
			code: engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if !engine.HasCode(err, tt.code) {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}
}
