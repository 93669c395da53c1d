package cmdblocks

import (
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
)

// CmdOutcomeKind says how a command execution ended.
type CmdOutcomeKind string

const (
	// CmdOutcomeComplete means every block ran without item errors.
	CmdOutcomeComplete CmdOutcomeKind = "complete"

	// CmdOutcomeBlockInterrupted means a block was interrupted part way
	// through its items.
	CmdOutcomeBlockInterrupted CmdOutcomeKind = "block_interrupted"

	// CmdOutcomeExecutionInterrupted means the interrupt arrived between
	// blocks.
	CmdOutcomeExecutionInterrupted CmdOutcomeKind = "execution_interrupted"

	// CmdOutcomeItemError means a block finished with item errors and later
	// blocks were not run.
	CmdOutcomeItemError CmdOutcomeKind = "item_error"
)

// CmdOutcome is the result of a command execution. Value holds what the
// command produced, which is partial unless the outcome is complete.
type CmdOutcome[T any] struct {
	Kind  CmdOutcomeKind
	Value T

	// StreamOutcome is from the last block that ran.
	StreamOutcome engine.StreamOutcome

	// Errors maps failed items to their errors.
	Errors map[resources.ItemID]error

	BlocksProcessed    []string
	BlocksNotProcessed []string
}

// IsOk reports whether the command completed.
func (o CmdOutcome[T]) IsOk() bool {
	return o.Kind == CmdOutcomeComplete
}

// IsErr reports whether any item failed.
func (o CmdOutcome[T]) IsErr() bool {
	return o.Kind == CmdOutcomeItemError
}

// IsInterrupted reports whether the command was interrupted.
func (o CmdOutcome[T]) IsInterrupted() bool {
	return o.Kind == CmdOutcomeBlockInterrupted || o.Kind == CmdOutcomeExecutionInterrupted
}

// ExecutionStatus maps the outcome kind onto the engine's execution status.
func (o CmdOutcome[T]) ExecutionStatus() engine.ExecutionStatus {
	switch o.Kind {
	case CmdOutcomeComplete:
		return engine.ExecutionStatusSucceeded
	case CmdOutcomeItemError:
		return engine.ExecutionStatusPartial
	default:
		return engine.ExecutionStatusInterrupted
	}
}

// Map converts the value of an outcome, keeping everything else.
func Map[T, U any](o CmdOutcome[T], f func(T) U) CmdOutcome[U] {
	return CmdOutcome[U]{
		Kind:               o.Kind,
		Value:              f(o.Value),
		StreamOutcome:      o.StreamOutcome,
		Errors:             o.Errors,
		BlocksProcessed:    o.BlocksProcessed,
		BlocksNotProcessed: o.BlocksNotProcessed,
	}
}
