// Package progress carries per-item progress updates from item functions to
// whatever renders them. Sending never blocks: a full channel drops updates.
package progress

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/peace/pkg/resources"
)

// LimitKind describes the unit of a progress limit.
type LimitKind string

const (
	LimitUnknown LimitKind = "unknown"
	LimitSteps   LimitKind = "steps"
	LimitBytes   LimitKind = "bytes"
)

// Limit is the amount of work an item expects to do.
type Limit struct {
	Kind  LimitKind `json:"kind"`
	Total uint64    `json:"total,omitempty"`
}

// Unknown is a limit for work of unknown size.
func Unknown() Limit { return Limit{Kind: LimitUnknown} }

// Steps is a limit counted in discrete steps.
func Steps(n uint64) Limit { return Limit{Kind: LimitSteps, Total: n} }

// Bytes is a limit counted in bytes.
func Bytes(n uint64) Limit { return Limit{Kind: LimitBytes, Total: n} }

// UnitsTotal returns the total, or false for an unknown limit.
func (l Limit) UnitsTotal() (uint64, bool) {
	if l.Kind == LimitUnknown {
		return 0, false
	}
	return l.Total, true
}

// DeltaKind is the kind of incremental progress.
type DeltaKind string

const (
	DeltaTick DeltaKind = "tick"
	DeltaInc  DeltaKind = "inc"
)

// Delta is an increment of progress.
type Delta struct {
	Kind DeltaKind `json:"kind"`
	N    uint64    `json:"n,omitempty"`
}

// Completion is the terminal result of an item's progress.
type Completion string

const (
	CompleteSuccess Completion = "success"
	CompleteFail    Completion = "fail"
)

// UpdateKind identifies which field of an Update is set.
type UpdateKind string

const (
	UpdateQueued   UpdateKind = "queued"
	UpdateLimit    UpdateKind = "limit"
	UpdateDelta    UpdateKind = "delta"
	UpdateComplete UpdateKind = "complete"
	UpdateReset    UpdateKind = "reset"
	UpdateMessage  UpdateKind = "message"
)

// Validate checks if the update kind is known.
func (k UpdateKind) Validate() error {
	switch k {
	case UpdateQueued, UpdateLimit, UpdateDelta, UpdateComplete, UpdateReset, UpdateMessage:
		return nil
	default:
		return fmt.Errorf("invalid progress update kind: %s", k)
	}
}

// Update is one progress event for an item.
type Update struct {
	ItemID   resources.ItemID `json:"item_id"`
	Kind     UpdateKind       `json:"kind"`
	Limit    *Limit           `json:"limit,omitempty"`
	Delta    *Delta           `json:"delta,omitempty"`
	Complete Completion       `json:"complete,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Validate checks that the field matching Kind is set.
func (u *Update) Validate() error {
	if err := u.Kind.Validate(); err != nil {
		return err
	}
	switch u.Kind {
	case UpdateLimit:
		if u.Limit == nil {
			return fmt.Errorf("limit update for %s has no limit", u.ItemID)
		}
	case UpdateDelta:
		if u.Delta == nil {
			return fmt.Errorf("delta update for %s has no delta", u.ItemID)
		}
	case UpdateComplete:
		if u.Complete != CompleteSuccess && u.Complete != CompleteFail {
			return fmt.Errorf("complete update for %s has invalid completion %q", u.ItemID, u.Complete)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (u Update) String() string {
	b, _ := json.Marshal(u)
	return string(b)
}

// Status is the rendered status of an item's progress.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusSuccess     Status = "success"
	StatusFail        Status = "fail"
)

// IsTerminal returns true once the item's progress will not change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFail || s == StatusInterrupted
}
