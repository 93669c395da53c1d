package cmdblocks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/telemetry"
)

// OutcomeFn builds a command's value from the resource store once its
// blocks have run, or stopped.
type OutcomeFn[T any] func(r *resources.Resources) (T, error)

// CmdExecution is an ordered list of blocks and the function that collects
// the command's value afterwards.
type CmdExecution[T any] struct {
	blocks    []CmdBlock
	outcomeFn OutcomeFn[T]
}

// NewCmdExecution creates a CmdExecution.
func NewCmdExecution[T any](outcomeFn func(r *resources.Resources) (T, error), blocks ...CmdBlock) *CmdExecution[T] {
	return &CmdExecution[T]{blocks: blocks, outcomeFn: outcomeFn}
}

// Blocks returns the blocks in execution order.
func (e *CmdExecution[T]) Blocks() []CmdBlock {
	return append([]CmdBlock(nil), e.blocks...)
}

// Describe renders the blocks with their inputs and outcomes, one per line.
func (e *CmdExecution[T]) Describe() string {
	var sb strings.Builder
	for i, b := range e.blocks {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, b.Name())
		for _, in := range b.InputTypeNames() {
			fmt.Fprintf(&sb, "     in:  %s\n", in)
		}
		for _, out := range b.OutcomeTypeNames() {
			fmt.Fprintf(&sb, "     out: %s\n", out)
		}
	}
	return sb.String()
}

// Verify checks that every block's inputs are produced by an earlier block
// or are already in r.
func (e *CmdExecution[T]) Verify(r *resources.Resources) error {
	available := make(map[string]bool)
	for _, t := range r.Types() {
		available[t.String()] = true
	}

	var problems []string
	for _, b := range e.blocks {
		for _, in := range b.InputTypeNames() {
			if !available[in] {
				problems = append(problems, fmt.Sprintf("%s needs %s", b.Name(), in))
			}
		}
		for _, out := range b.OutcomeTypeNames() {
			available[out] = true
		}
	}
	if len(problems) > 0 {
		return engine.NewPermanentError("command blocks are not well typed: "+strings.Join(problems, "; "), nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("problems", problems)
	}
	return nil
}

// Exec runs the blocks in order.
//
// The first block with item errors ends the execution with an ItemError
// outcome; an interrupt ends it with BlockInterrupted if it arrived while a
// block was running, or ExecutionInterrupted if it arrived between blocks.
// A block that cannot run at all returns an error together with an outcome
// listing the blocks that ran before it and those that did not run. What
// the earlier blocks put in the resource store stays there.
func (e *CmdExecution[T]) Exec(ctx context.Context, v *View) (CmdOutcome[T], error) {
	if err := e.Verify(v.Resources); err != nil {
		return CmdOutcome[T]{}, err
	}
	if v.Statuses == nil {
		v.Statuses = NewItemStatuses(v.Flow.ItemIDs())
	}

	logger := telemetry.FromContext(ctx).NewComponentLogger("cmdblocks")
	outcome := CmdOutcome[T]{
		Kind:          CmdOutcomeComplete,
		StreamOutcome: engine.StreamOutcome{State: engine.StreamNotStarted},
		Errors:        map[resources.ItemID]error{},
	}

	for i, b := range e.blocks {
		if v.interrupted(ctx) {
			outcome.Kind = CmdOutcomeExecutionInterrupted
			outcome.BlocksNotProcessed = blockNames(e.blocks[i:])
			for _, id := range v.Flow.ItemIDs() {
				v.Statuses.NotProcessed(id)
			}
			logger.WithBlock(b.Name()).Info("execution interrupted")
			return e.finish(v, outcome)
		}

		blockCtx := telemetry.WithBlockContext(ctx, b.Name())
		logger.WithBlock(b.Name()).Debug("block started")
		blockOutcome, err := b.Exec(blockCtx, v)
		if err != nil {
			telemetry.EndBlockContext(blockCtx, "failed", err)
			outcome.BlocksNotProcessed = blockNames(e.blocks[i:])
			return outcome, blockError(b.Name(), err)
		}

		outcome.BlocksProcessed = append(outcome.BlocksProcessed, b.Name())
		outcome.StreamOutcome = blockOutcome.StreamOutcome

		switch {
		case blockOutcome.IsErr():
			telemetry.EndBlockContext(blockCtx, string(CmdOutcomeItemError), nil)
			outcome.Kind = CmdOutcomeItemError
			outcome.Errors = blockOutcome.Errors
		case blockOutcome.IsInterrupted():
			telemetry.EndBlockContext(blockCtx, string(CmdOutcomeBlockInterrupted), nil)
			outcome.Kind = CmdOutcomeBlockInterrupted
		default:
			telemetry.EndBlockContext(blockCtx, string(CmdOutcomeComplete), nil)
			continue
		}

		outcome.BlocksNotProcessed = blockNames(e.blocks[i+1:])
		logger.WithBlock(b.Name()).
			WithField("outcome", string(outcome.Kind)).
			WithField("errors", len(outcome.Errors)).
			Info("execution stopped")
		return e.finish(v, outcome)
	}

	return e.finish(v, outcome)
}

func (e *CmdExecution[T]) finish(v *View, outcome CmdOutcome[T]) (CmdOutcome[T], error) {
	if e.outcomeFn == nil {
		return outcome, nil
	}
	value, err := e.outcomeFn(v.Resources)
	if err != nil {
		return outcome, fmt.Errorf("failed to collect command outcome: %w", err)
	}
	outcome.Value = value
	return outcome, nil
}

// blockError attributes an error to the block that returned it.
func blockError(block string, err error) error {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		if engErr.Operation == "" {
			engErr.Operation = block
		}
		return err
	}
	return fmt.Errorf("block %s: %w", block, err)
}

func blockNames(blocks []CmdBlock) []string {
	names := make([]string, 0, len(blocks))
	for _, b := range blocks {
		names = append(names, b.Name())
	}
	return names
}
