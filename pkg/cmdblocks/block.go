package cmdblocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// CmdBlock is one step of a command.
type CmdBlock interface {
	// Name identifies the block in logs, metrics and outcomes.
	Name() string

	// InputTypeNames lists the resource types the block reads.
	InputTypeNames() []string

	// OutcomeTypeNames lists the resource types the block inserts.
	OutcomeTypeNames() []string

	// Exec runs the block. An error means the block could not run at all;
	// item failures are reported in the outcome.
	Exec(ctx context.Context, v *View) (CmdBlockOutcome, error)
}

// CmdBlockOutcome is the result of one block.
type CmdBlockOutcome struct {
	// ItemWise is false for blocks that produce a single value without
	// running anything per item.
	ItemWise bool

	StreamOutcome engine.StreamOutcome
	Errors        map[resources.ItemID]error
}

// Single returns the outcome of a block that does not iterate items.
func Single() CmdBlockOutcome {
	return CmdBlockOutcome{
		StreamOutcome: engine.StreamOutcome{State: engine.StreamFinished},
		Errors:        map[resources.ItemID]error{},
	}
}

// IsErr reports whether any item failed.
func (o CmdBlockOutcome) IsErr() bool {
	return len(o.Errors) > 0
}

// IsInterrupted reports whether the block stopped before visiting every item.
func (o CmdBlockOutcome) IsInterrupted() bool {
	return o.ItemWise && o.StreamOutcome.State != engine.StreamFinished
}

// typeName is the name a resource type is known by in block declarations.
func typeName[T any]() string {
	return resources.TypeOf[T]().String()
}

// cloneStates copies the States map tagged TS out of the store so items may
// borrow the original while a block runs.
func cloneStates[TS any](r *resources.Resources) (*resources.States[TS], error) {
	ref, err := resources.TryBorrow[*resources.States[TS]](r)
	if err != nil {
		if resources.IsBorrowConflict(err) {
			panic(err)
		}
		var tag TS
		return nil, engine.NewPermanentError(fmt.Sprintf("%s states are not in the resource store", ts.Name(tag)), err).
			WithCode(engine.ErrCodeCmdBlockMismatch)
	}
	defer ref.Release()
	return ref.Get().Clone(), nil
}

// results collects per item values from concurrently running items.
type results struct {
	mu     sync.Mutex
	values map[resources.ItemID]any
}

func newResults() *results {
	return &results{values: make(map[resources.ItemID]any)}
}

func (r *results) set(id resources.ItemID, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[id] = v
}

func (r *results) get(id resources.ItemID) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[id]
	return v, ok
}

// statesOf builds a States map with an entry for every id, unknown where no
// result was recorded.
func statesOf[TS any](res *results, ids []resources.ItemID) *resources.States[TS] {
	out := resources.NewStatesWithCapacity[TS](len(ids))
	for _, id := range ids {
		v, _ := res.get(id)
		out.Insert(id, v)
	}
	return out
}

// overlay returns a copy of base with every recorded result written over it.
func overlay[TS any](base *resources.States[TS], res *results) *resources.States[TS] {
	out := base.Clone()
	res.mu.Lock()
	defer res.mu.Unlock()
	for id, v := range res.values {
		out.Insert(id, v)
	}
	return out
}

// streamItems runs fn for every item of the graph and records failures.
func streamItems(
	ctx context.Context,
	v *View,
	g *engine.Graph[item.ItemRt],
	block string,
	fn func(ctx context.Context, it item.ItemRt) error,
) CmdBlockOutcome {
	res := engine.ForEachConcurrent(ctx, g, v.streamOptions(), engine.ItemFn[item.ItemRt](fn))

	for id := range res.Errors {
		v.Statuses.Fail(id)
	}
	for _, id := range res.Outcome.ItemIDsNotProcessed {
		v.Statuses.NotProcessed(id)
	}
	reportItemErrors(ctx, block, res.Errors)

	return CmdBlockOutcome{
		ItemWise:      true,
		StreamOutcome: res.Outcome,
		Errors:        res.Errors,
	}
}

// runItemFn runs one item function under a span and records its duration.
func runItemFn(ctx context.Context, id resources.ItemID, fnName string, fn func(fc item.FnCtx) error, v *View) error {
	return telemetry.RecordItemFn(ctx, id.String(), fnName, func(ctx context.Context) error {
		return fn(item.NewFnCtx(ctx, id, v.sender(id)))
	})
}

// reportItemErrors logs item failures and publishes them to telemetry.
func reportItemErrors(ctx context.Context, block string, errs map[resources.ItemID]error) {
	if len(errs) == 0 {
		return
	}
	logger := telemetry.FromContext(ctx)
	tel := telemetry.FromTelemetryContext(ctx)

	for _, id := range sortedErrorIDs(errs) {
		err := errs[id]
		logger.WithItemID(id.String()).WithError(err).Warn("item failed")

		if tel == nil {
			continue
		}
		class, code := classify(err)
		tel.Metrics.RecordError(class, code)
		_ = tel.Events.PublishItemFailed(telemetry.ExecutionID(ctx), block, id.String(), err.Error())
	}
}

func classify(err error) (class, code string) {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		code = engErr.Code
		if code == "" {
			code = engine.ErrCodeItemFn
		}
		return string(engErr.Class), code
	}
	return string(engine.ErrorClassPermanent), engine.ErrCodeItemFn
}
