package cmdblocks

import (
	"sync"
	"testing"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/workspace"
)

// world is the outside world the counter items manage.
type world struct {
	mu      sync.Mutex
	values  map[resources.ItemID]int
	applied []resources.ItemID
}

func newWorld() *world {
	return &world{values: make(map[resources.ItemID]int)}
}

func (w *world) get(id resources.ItemID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.values[id]
}

func (w *world) set(id resources.ItemID, v int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[id] = v
	w.applied = append(w.applied, id)
}

func (w *world) appliedIDs() []resources.ItemID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]resources.ItemID(nil), w.applied...)
}

type counterParams struct {
	Value int `yaml:"value"`
}

type counterData struct {
	World access.R[*world]
}

// counterItem converges a number in the world to its params value.
type counterItem struct {
	id     resources.ItemID
	failOn string
}

func (c *counterItem) ID() resources.ItemID { return c.id }

func (c *counterItem) Setup(r *resources.Resources) error {
	if !resources.Contains[*world](r) {
		resources.Insert(r, newWorld())
	}
	return nil
}

func (c *counterItem) fail(op string) error {
	if c.failOn == op {
		return errBoom
	}
	return nil
}

func (c *counterItem) TryStateCurrent(fc item.FnCtx, p params.Partial[counterParams], d counterData) (int, bool, error) {
	return d.World.Get().get(c.id), true, c.fail("state_current")
}

func (c *counterItem) StateCurrent(fc item.FnCtx, p counterParams, d counterData) (int, error) {
	return d.World.Get().get(c.id), c.fail("state_current")
}

func (c *counterItem) TryStateGoal(fc item.FnCtx, p params.Partial[counterParams], d counterData) (int, bool, error) {
	if !p.IsComplete() {
		return 0, false, nil
	}
	return p.Value.Value, true, nil
}

func (c *counterItem) StateGoal(fc item.FnCtx, p counterParams, d counterData) (int, error) {
	return p.Value, nil
}

func (c *counterItem) StateDiff(p params.Partial[counterParams], d counterData, from, to int) (int, error) {
	return to - from, nil
}

func (c *counterItem) StateClean(p params.Partial[counterParams], d counterData) (int, error) {
	return 0, nil
}

func (c *counterItem) ApplyCheck(p counterParams, d counterData, current, target, diff int) (item.ApplyCheck, error) {
	if diff == 0 {
		return item.ExecNotRequired(), nil
	}
	return item.ExecRequired(progress.Steps(1)), nil
}

func (c *counterItem) ApplyDry(fc item.FnCtx, p counterParams, d counterData, current, target, diff int) (int, error) {
	return target, nil
}

func (c *counterItem) Apply(fc item.FnCtx, p counterParams, d counterData, current, target, diff int) (int, error) {
	if err := c.fail("apply"); err != nil {
		return current, err
	}
	d.World.Get().set(c.id, target)
	return target, nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errBoom = testErr("boom")

func counter(id string) item.ItemRt {
	return item.Wrap[counterParams, int, int, counterData](&counterItem{id: resources.ItemID(id)})
}

func failingCounter(id, op string) item.ItemRt {
	return item.Wrap[counterParams, int, int, counterData](&counterItem{id: resources.ItemID(id), failOn: op})
}

func bindValue(t *testing.T, it item.ItemRt, v int) {
	t.Helper()
	spec := params.FieldWise(map[string]params.ValueSpec{"value": params.Value(v)})
	if err := it.BindParams(spec, params.NewMappingFnReg()); err != nil {
		t.Fatalf("BindParams failed: %v", err)
	}
}

// newView builds a chained flow of items, runs their setup and returns a
// view over file storage in a temp dir.
func newView(t *testing.T, items ...item.ItemRt) (*View, *world) {
	t.Helper()

	b := flow.NewBuilder("test").Add(items...)
	ids := make([]resources.ItemID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID())
	}
	f, err := b.Chain(ids...).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	r := resources.New()
	for _, it := range items {
		if err := it.Setup(r); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
	}

	v := &View{
		Flow:      f,
		Resources: r,
		Storage:   storage.NewFileStorage(t.TempDir()),
		Paths: workspace.Paths{
			StatesCurrent: "states_current.yaml",
			StatesGoal:    "states_goal.yaml",
			StateDiffs:    "state_diffs.yaml",
			ParamsSpecs:   "params_specs.yaml",
		},
		Limit: 4,
	}
	ref := resources.Borrow[*world](r)
	defer ref.Release()
	return v, ref.Get()
}

func getState[TS any](t *testing.T, r *resources.Resources, id resources.ItemID) any {
	t.Helper()
	ref, err := resources.TryBorrow[*resources.States[TS]](r)
	if err != nil {
		t.Fatalf("Expected states in the store: %v", err)
	}
	defer ref.Release()
	v, _ := ref.Get().Get(id)
	return v
}
