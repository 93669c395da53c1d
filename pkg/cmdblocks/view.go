package cmdblocks

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/workspace"
)

// View is what a block sees of the command context.
type View struct {
	Flow      *flow.Flow
	Resources *resources.Resources
	Storage   storage.Storage
	Paths     workspace.Paths

	// Progress receives per item progress updates. Optional.
	Progress *progress.Channel

	// Interrupt stops the execution when closed.
	Interrupt <-chan struct{}

	// Limit bounds the number of items run at once.
	Limit int

	// Statuses tracks where each item is in its lifecycle. CmdExecution
	// creates one if it is nil.
	Statuses *ItemStatuses
}

func (v *View) streamOptions() engine.StreamOptions {
	opts := engine.StreamOptions{
		Limit:     v.Limit,
		Interrupt: v.Interrupt,
	}
	if v.Progress != nil {
		opts.Observer = progressObserver{v: v}
	}
	return opts
}

// progressObserver reports scheduling decisions on the progress channel.
// Items that run send their own limit and completion updates.
type progressObserver struct {
	v *View
}

func (o progressObserver) ItemStarted(id resources.ItemID) {
	o.v.sender(id).Queued()
}

func (o progressObserver) ItemCompleted(resources.ItemID, error, time.Duration) {}

func (o progressObserver) ItemNotProcessed(id resources.ItemID, reason error) {
	o.v.sender(id).Complete(progress.CompleteFail, reason.Error())
}

func (v *View) sender(id resources.ItemID) *progress.Sender {
	return progress.NewSender(id, v.Progress)
}

// interrupted reports whether the interrupt channel or ctx has fired.
func (v *View) interrupted(ctx context.Context) bool {
	select {
	case <-v.Interrupt:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// statusRank orders non-terminal statuses so that Advance can skip steps
// an item has already passed.
var statusRank = map[engine.ItemStatus]int{
	engine.ItemStatusNotDiscovered: 0,
	engine.ItemStatusCurrentKnown:  1,
	engine.ItemStatusGoalKnown:     1,
	engine.ItemStatusDiffKnown:     2,
	engine.ItemStatusChecked:       3,
}

// ItemStatuses records the lifecycle status of every item in a command.
type ItemStatuses struct {
	mu       sync.Mutex
	order    []resources.ItemID
	statuses map[resources.ItemID]engine.ItemStatus
}

// NewItemStatuses starts every item as not discovered.
func NewItemStatuses(ids []resources.ItemID) *ItemStatuses {
	s := &ItemStatuses{
		order:    append([]resources.ItemID(nil), ids...),
		statuses: make(map[resources.ItemID]engine.ItemStatus, len(ids)),
	}
	for _, id := range ids {
		s.statuses[id] = engine.ItemStatusNotDiscovered
	}
	return s
}

// Get returns the status of an item.
func (s *ItemStatuses) Get(id resources.ItemID) engine.ItemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok {
		return st
	}
	return engine.ItemStatusNotDiscovered
}

// Advance moves an item through each status in path. Steps the item has
// already passed are skipped. It returns false, leaving the item at the last
// reachable status, if a step is not a valid transition.
func (s *ItemStatuses) Advance(id resources.ItemID, path ...engine.ItemStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.statuses[id]
	if !ok {
		cur = engine.ItemStatusNotDiscovered
	}
	for _, next := range path {
		if cur == next {
			continue
		}
		if rank, ok := statusRank[next]; ok && !cur.IsTerminal() && rank < statusRank[cur] {
			continue
		}
		if !cur.CanTransition(next) {
			s.statuses[id] = cur
			return false
		}
		cur = next
	}
	s.statuses[id] = cur
	return true
}

// Fail marks an item failed unless it already finished.
func (s *ItemStatuses) Fail(id resources.ItemID) {
	s.Advance(id, engine.ItemStatusFailed)
}

// NotProcessed marks an item skipped unless it already finished.
func (s *ItemStatuses) NotProcessed(id resources.ItemID) {
	s.Advance(id, engine.ItemStatusNotProcessed)
}

// Snapshot returns a copy of all statuses.
func (s *ItemStatuses) Snapshot() map[resources.ItemID]engine.ItemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[resources.ItemID]engine.ItemStatus, len(s.statuses))
	for id, st := range s.statuses {
		out[id] = st
	}
	return out
}

// ItemIDs returns the tracked item IDs, in flow order.
func (s *ItemStatuses) ItemIDs() []resources.ItemID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resources.ItemID(nil), s.order...)
}

func sortedErrorIDs(errs map[resources.ItemID]error) []resources.ItemID {
	ids := make([]resources.ItemID, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	resources.SortItemIDs(ids)
	return ids
}
