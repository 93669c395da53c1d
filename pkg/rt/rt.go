// Package rt provides the commands users run against a flow: discovering
// states, reading stored states, diffing, ensuring and cleaning.
//
// Each command is a fixed sequence of blocks run through cmdblocks. States
// a command discovers or applies are written back to storage, and, when a
// History is set, every run is recorded with the final status of each item.
package rt

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/cmdctx"
	"github.com/openfroyo/peace/pkg/policy"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/resources/ts"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/stores"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// History records command executions. *stores.SQLiteStore implements it.
type History interface {
	RecordExecution(ctx context.Context, exec *stores.Execution) error
	RecordItemOutcome(ctx context.Context, outcome *stores.ItemOutcome) error
	CompleteExecution(ctx context.Context, id string, status stores.ExecutionStatus, errMsg *string) error
}

// Runner runs commands against one command context.
type Runner struct {
	cmd     *cmdctx.CmdCtx
	history History
	policy  *policy.Engine
	pctx    *policy.PolicyContext
}

// Option configures a Runner.
type Option func(*Runner)

// WithHistory records every command run in h.
func WithHistory(h History) Option {
	return func(r *Runner) { r.history = h }
}

// WithPolicy gates ensure and clean with policy checks over the diffs.
func WithPolicy(e *policy.Engine, pctx *policy.PolicyContext) Option {
	return func(r *Runner) {
		r.policy = e
		r.pctx = pctx
	}
}

// NewRunner creates a Runner for c.
func NewRunner(c *cmdctx.CmdCtx, opts ...Option) *Runner {
	r := &Runner{cmd: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CmdCtx returns the command context commands run against.
func (r *Runner) CmdCtx() *cmdctx.CmdCtx { return r.cmd }

func (r *Runner) policyBlock(command string, dryRun bool, clean bool) cmdblocks.CmdBlock {
	if r.policy == nil {
		return nil
	}
	profile := r.cmd.Workspace.Profile()
	if clean {
		return &cmdblocks.PolicyCheckBlock[ts.Clean]{Engine: r.policy, Command: command, Profile: profile, DryRun: dryRun, Context: r.pctx}
	}
	return &cmdblocks.PolicyCheckBlock[ts.Goal]{Engine: r.policy, Command: command, Profile: profile, DryRun: dryRun, Context: r.pctx}
}

// blocks drops nil entries so optional blocks can be listed inline.
func blocks(bs ...cmdblocks.CmdBlock) []cmdblocks.CmdBlock {
	out := make([]cmdblocks.CmdBlock, 0, len(bs))
	for _, b := range bs {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// persistFn writes what a command produced back to storage.
type persistFn func(ctx context.Context, v *cmdblocks.View) error

// run executes a command: it attaches telemetry to ctx, records the run in
// the history, executes the blocks and persists their results. Results are
// persisted after item errors and interrupts too, so that what was applied
// is not lost.
func run[T any](ctx context.Context, r *Runner, command string, exec *cmdblocks.CmdExecution[T], persist persistFn) (cmdblocks.CmdOutcome[T], error) {
	id := uuid.NewString()
	ctx = r.cmd.Context(ctx)
	ctx = telemetry.WithExecutionContext(ctx, id, command)
	logger := telemetry.FromContext(ctx).WithExecutionID(id).WithField("command", command)

	r.recordStart(ctx, id, command, exec)
	logger.Debug("command started")

	resetStates(r.cmd.Resources)
	v := r.cmd.View()
	outcome, err := exec.Exec(ctx, v)
	if err == nil && persist != nil {
		err = persist(ctx, v)
	}

	status := executionStatus(outcome.Kind, err)
	r.recordEnd(ctx, id, v, outcome.Errors, status, err)
	telemetry.EndExecutionContext(ctx, string(status), err)

	if err != nil {
		logger.WithError(err).Error("command failed")
	} else {
		logger.WithField("outcome", string(outcome.Kind)).Info("command finished")
	}
	return outcome, err
}

func executionStatus(kind cmdblocks.CmdOutcomeKind, err error) stores.ExecutionStatus {
	if err != nil {
		return stores.ExecutionStatusFailed
	}
	switch kind {
	case cmdblocks.CmdOutcomeComplete:
		return stores.ExecutionStatusComplete
	case cmdblocks.CmdOutcomeItemError:
		return stores.ExecutionStatusItemError
	default:
		return stores.ExecutionStatusInterrupted
	}
}

type executionMetadata struct {
	Blocks      []string `json:"blocks"`
	Parallelism int      `json:"parallelism"`
}

func (r *Runner) recordStart(ctx context.Context, id, command string, exec interface{ Blocks() []cmdblocks.CmdBlock }) {
	if r.history == nil {
		return
	}
	meta := executionMetadata{Parallelism: r.cmd.Parallelism}
	for _, b := range exec.Blocks() {
		meta.Blocks = append(meta.Blocks, b.Name())
	}
	data, _ := json.Marshal(meta)

	err := r.history.RecordExecution(ctx, &stores.Execution{
		ID:       id,
		Command:  command,
		FlowID:   r.cmd.Flow.ID().String(),
		Profile:  r.cmd.Workspace.Profile(),
		Metadata: string(data),
	})
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("failed to record execution")
	}
}

func (r *Runner) recordEnd(
	ctx context.Context,
	id string,
	v *cmdblocks.View,
	itemErrs map[resources.ItemID]error,
	status stores.ExecutionStatus,
	execErr error,
) {
	if r.history == nil {
		return
	}
	logger := telemetry.FromContext(ctx)

	var errs []error
	if v.Statuses != nil {
		statuses := v.Statuses.Snapshot()
		for _, itemID := range v.Statuses.ItemIDs() {
			outcome := &stores.ItemOutcome{
				ExecutionID: id,
				ItemID:      itemID.String(),
				Status:      string(statuses[itemID]),
			}
			if err, ok := itemErrs[itemID]; ok && err != nil {
				msg := err.Error()
				outcome.Error = &msg
			}
			if err := r.history.RecordItemOutcome(ctx, outcome); err != nil {
				errs = append(errs, err)
			}
		}
	}

	var msg *string
	if execErr != nil {
		s := execErr.Error()
		msg = &s
	}
	if err := r.history.CompleteExecution(ctx, id, status, msg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.WithError(err).Warn("failed to record execution outcome")
	}
}

// resetStates removes the States maps an earlier command left in the
// resource store, so blocks only see what this command produces.
func resetStates(res *resources.Resources) {
	resources.Remove[*resources.StatesCurrent](res)
	resources.Remove[*resources.StatesCurrentStored](res)
	resources.Remove[*resources.StatesGoal](res)
	resources.Remove[*resources.StatesGoalStored](res)
	resources.Remove[*resources.StatesClean](res)
	resources.Remove[*resources.StatesEnsured](res)
	resources.Remove[*resources.StatesEnsuredDry](res)
	resources.Remove[*resources.StatesCleaned](res)
	resources.Remove[*resources.StatesCleanedDry](res)
	resources.Remove[*resources.StatesPrevious](res)
	resources.Remove[*resources.StateDiffs](res)
}

// cloned returns a copy of the States map tagged TS, or an empty map with
// every item unknown if no block inserted one.
func cloned[TS any](res *resources.Resources, ids []resources.ItemID) (*resources.States[TS], error) {
	ref, err := resources.TryBorrow[*resources.States[TS]](res)
	if err != nil {
		if resources.IsNotFound(err) {
			empty := resources.NewStatesWithCapacity[TS](len(ids))
			empty.EnsureAll(ids)
			return empty, nil
		}
		return nil, err
	}
	defer ref.Release()
	return ref.Get().Clone(), nil
}

// outcomeStates is an OutcomeFn returning the States map tagged TS.
func outcomeStates[TS any](ids []resources.ItemID) func(*resources.Resources) (*resources.States[TS], error) {
	return func(res *resources.Resources) (*resources.States[TS], error) {
		return cloned[TS](res, ids)
	}
}

// writeStates persists the States map tagged TS, if a block inserted one,
// to path.
func writeStates[TS any](ctx context.Context, v *cmdblocks.View, path string) error {
	ref, err := resources.TryBorrow[*resources.States[TS]](v.Resources)
	if err != nil {
		if resources.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer ref.Release()
	return storage.WriteStates(ctx, v.Storage, path, ref.Get())
}

func writeDiffs(ctx context.Context, v *cmdblocks.View) error {
	ref, err := resources.TryBorrow[*resources.StateDiffs](v.Resources)
	if err != nil {
		if resources.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer ref.Release()
	return storage.WriteStateDiffs(ctx, v.Storage, v.Paths.StateDiffs, ref.Get())
}
