// Package cmdctx builds the context a command runs in: the workspace and
// its storage, the flow with params bound to every item, and a resource
// store populated by item setup.
package cmdctx

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/telemetry"
	"github.com/openfroyo/peace/pkg/workspace"
)

// CmdCtx is everything a command needs to run against one flow.
type CmdCtx struct {
	Workspace   *workspace.Workspace
	Flow        *flow.Flow
	Storage     storage.Storage
	Paths       workspace.Paths
	Resources   *resources.Resources
	ParamsSpecs *params.ParamsSpecs
	MappingFns  *params.MappingFnReg

	// Telemetry is attached to contexts passed to Context. Optional.
	Telemetry *telemetry.Telemetry

	Progress    *progress.Channel
	Interrupt   <-chan struct{}
	Parallelism int
}

// View returns the view blocks run against. Each call starts a fresh set
// of item statuses.
func (c *CmdCtx) View() *cmdblocks.View {
	return &cmdblocks.View{
		Flow:      c.Flow,
		Resources: c.Resources,
		Storage:   c.Storage,
		Paths:     c.Paths,
		Progress:  c.Progress,
		Interrupt: c.Interrupt,
		Limit:     c.Parallelism,
		Statuses:  cmdblocks.NewItemStatuses(c.Flow.ItemIDs()),
	}
}

// Context attaches the command's telemetry and a logger carrying the flow
// and profile to ctx.
func (c *CmdCtx) Context(ctx context.Context) context.Context {
	logger := telemetry.FromContext(ctx)
	if c.Telemetry != nil {
		ctx = c.Telemetry.WithContext(ctx)
		logger = c.Telemetry.Logger
	}
	return logger.WithFlow(c.Flow.ID().String(), c.Workspace.Profile()).WithContext(ctx)
}

// Close closes every resource that is an io.Closer, such as pooled
// connections opened by items.
func (c *CmdCtx) Close() error {
	var errs []error
	for _, t := range c.Resources.Types() {
		v, release, err := c.Resources.TryBorrowRaw(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closer, ok := v.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s: %w", t, err))
			}
		}
		release()
	}
	return errors.Join(errs...)
}

// Builder collects the parts of a CmdCtx.
type Builder struct {
	workspace   *workspace.Workspace
	flow        *flow.Flow
	storage     storage.Storage
	provided    *params.ParamsSpecs
	mappingFns  *params.MappingFnReg
	inserts     []func(*resources.Resources)
	telemetry   *telemetry.Telemetry
	progress    *progress.Channel
	interrupt   <-chan struct{}
	parallelism int
}

// NewBuilder starts a CmdCtx for a flow in a workspace.
func NewBuilder(ws *workspace.Workspace, f *flow.Flow) *Builder {
	return &Builder{
		workspace:   ws,
		flow:        f,
		provided:    params.NewParamsSpecs(),
		mappingFns:  params.NewMappingFnReg(),
		parallelism: engine.DefaultConcurrencyLimit,
	}
}

// WithStorage sets where state files are stored. Defaults to files under
// the workspace root.
func (b *Builder) WithStorage(s storage.Storage) *Builder {
	b.storage = s
	return b
}

// WithParamsSpec provides the params spec of an item. Provided specs take
// precedence over the ones stored by earlier commands.
func (b *Builder) WithParamsSpec(id resources.ItemID, spec params.ParamsSpec) *Builder {
	b.provided.Insert(id, spec)
	return b
}

// WithParamsSpecs provides params specs for several items.
func (b *Builder) WithParamsSpecs(specs *params.ParamsSpecs) *Builder {
	for _, id := range specs.ItemIDs() {
		spec, _ := specs.Get(id)
		b.provided.Insert(id, spec)
	}
	return b
}

// WithMappingFns sets the registry stored mapping function names are looked up in.
func (b *Builder) WithMappingFns(reg *params.MappingFnReg) *Builder {
	b.mappingFns = reg
	return b
}

// WithTelemetry sets the telemetry commands report to.
func (b *Builder) WithTelemetry(t *telemetry.Telemetry) *Builder {
	b.telemetry = t
	return b
}

// WithProgress sets the channel items report progress on.
func (b *Builder) WithProgress(ch *progress.Channel) *Builder {
	b.progress = ch
	return b
}

// WithInterrupt sets the channel that interrupts commands when closed.
func (b *Builder) WithInterrupt(ch <-chan struct{}) *Builder {
	b.interrupt = ch
	return b
}

// WithParallelism bounds how many items run at once.
func (b *Builder) WithParallelism(n int) *Builder {
	if n > 0 {
		b.parallelism = n
	}
	return b
}

// WithResource inserts a value into the resource store before item setup,
// for items that read it, e.g. a transport or an in-memory param.
func WithResource[T any](b *Builder, v T) *Builder {
	b.inserts = append(b.inserts, func(r *resources.Resources) {
		resources.Insert(r, v)
	})
	return b
}

// Build loads stored params specs, merges the provided ones over them, binds
// them to the flow's items, stores the merged specs and runs item setup.
func (b *Builder) Build(ctx context.Context) (*CmdCtx, error) {
	if b.workspace == nil || b.flow == nil {
		return nil, engine.NewPermanentError("workspace and flow are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	logger := telemetry.FromContext(ctx).WithFlow(b.flow.ID().String(), b.workspace.Profile())

	if err := b.workspace.Init(b.flow.ID()); err != nil {
		return nil, err
	}
	s := b.storage
	if s == nil {
		s = storage.NewFileStorage(b.workspace.Root())
	}
	paths := b.workspace.FlowPaths(b.flow.ID())

	specs, err := storage.LoadParamsSpecs(ctx, s, paths.ParamsSpecs, b.flow.ItemIDs(), b.provided, b.mappingFns)
	if err != nil {
		return nil, err
	}
	for _, it := range b.flow.Graph().IterInsertion() {
		spec, _ := specs.Get(it.ID())
		if err := it.BindParams(spec, b.mappingFns); err != nil {
			return nil, err
		}
	}
	if err := storage.WriteParamsSpecs(ctx, s, paths.ParamsSpecs, specs); err != nil {
		return nil, err
	}

	r := resources.New()
	resources.Insert(r, b.workspace)
	resources.Insert(r, b.flow.ID())
	resources.Insert(r, specs)
	for _, insert := range b.inserts {
		insert(r)
	}
	for _, it := range b.flow.Graph().IterInsertion() {
		if err := it.Setup(r); err != nil {
			return nil, fmt.Errorf("failed to set up item %s: %w", it.ID(), err)
		}
	}

	logger.WithField("items", len(b.flow.ItemIDs())).Debug("command context built")

	return &CmdCtx{
		Workspace:   b.workspace,
		Flow:        b.flow,
		Storage:     s,
		Paths:       paths,
		Resources:   r,
		ParamsSpecs: specs,
		MappingFns:  b.mappingFns,
		Telemetry:   b.telemetry,
		Progress:    b.progress,
		Interrupt:   b.interrupt,
		Parallelism: b.parallelism,
	}, nil
}
