package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the overall status of a command execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution is built but not yet started.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning indicates the execution is currently running blocks.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusSucceeded indicates every block completed without item errors.
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"

	// ExecutionStatusFailed indicates the pipeline could not run.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusPartial indicates some items failed; results are partial.
	ExecutionStatusPartial ExecutionStatus = "partial"

	// ExecutionStatusInterrupted indicates the user interrupted the execution.
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
)

// IsTerminal returns true if the execution status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed ||
		s == ExecutionStatusPartial || s == ExecutionStatusInterrupted
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusSucceeded,
		ExecutionStatusFailed, ExecutionStatusPartial, ExecutionStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// ItemStatus is the position of an item in its per-command lifecycle.
//
//	not_discovered -> current_known -> goal_known -> diff_known -> checked
//	checked -> exec_not_required | applied | failed
type ItemStatus string

const (
	ItemStatusNotDiscovered   ItemStatus = "not_discovered"
	ItemStatusCurrentKnown    ItemStatus = "current_known"
	ItemStatusGoalKnown       ItemStatus = "goal_known"
	ItemStatusDiffKnown       ItemStatus = "diff_known"
	ItemStatusChecked         ItemStatus = "checked"
	ItemStatusExecNotRequired ItemStatus = "exec_not_required"
	ItemStatusApplied         ItemStatus = "applied"
	ItemStatusFailed          ItemStatus = "failed"

	// ItemStatusNotProcessed marks items skipped because a predecessor
	// failed or the execution was interrupted.
	ItemStatusNotProcessed ItemStatus = "not_processed"
)

var itemStatusTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusNotDiscovered: {ItemStatusCurrentKnown, ItemStatusGoalKnown},
	ItemStatusCurrentKnown:  {ItemStatusGoalKnown, ItemStatusDiffKnown},
	ItemStatusGoalKnown:     {ItemStatusCurrentKnown, ItemStatusDiffKnown},
	ItemStatusDiffKnown:     {ItemStatusChecked},
	ItemStatusChecked:       {ItemStatusExecNotRequired, ItemStatusApplied},
}

// IsTerminal returns true if the item will not change status again in this command.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusExecNotRequired || s == ItemStatusApplied ||
		s == ItemStatusFailed || s == ItemStatusNotProcessed
}

// CanTransition reports whether the item may move from s to next.
// Any non-terminal status may move to failed or not_processed.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ItemStatusFailed || next == ItemStatusNotProcessed {
		return true
	}
	for _, allowed := range itemStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the item status is valid.
func (s ItemStatus) Validate() error {
	switch s {
	case ItemStatusNotDiscovered, ItemStatusCurrentKnown, ItemStatusGoalKnown,
		ItemStatusDiffKnown, ItemStatusChecked, ItemStatusExecNotRequired,
		ItemStatusApplied, ItemStatusFailed, ItemStatusNotProcessed:
		return nil
	default:
		return fmt.Errorf("invalid item status: %s", s)
	}
}

// StreamOutcomeState describes how far a graph stream got.
type StreamOutcomeState string

const (
	// StreamNotStarted indicates no item was dispatched.
	StreamNotStarted StreamOutcomeState = "not_started"

	// StreamFinished indicates every item was visited.
	StreamFinished StreamOutcomeState = "finished"

	// StreamInterrupted indicates the stream stopped dispatching early.
	StreamInterrupted StreamOutcomeState = "interrupted"
)
