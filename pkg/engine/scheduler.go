package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/resources"
)

// DefaultConcurrencyLimit is the number of items run at once when no limit is given.
const DefaultConcurrencyLimit = 10

// ItemFn runs one operation for a node. Returning an error records the
// failure against the node and marks its descendants not processed.
type ItemFn[N Node] func(ctx context.Context, node N) error

// StreamObserver is notified as items move through a stream.
// Calls are made from the scheduling goroutine and must not block.
type StreamObserver interface {
	ItemStarted(id resources.ItemID)
	ItemCompleted(id resources.ItemID, err error, duration time.Duration)
	ItemNotProcessed(id resources.ItemID, reason error)
}

// StreamOptions configures a single pass over the graph.
type StreamOptions struct {
	// Limit is the maximum number of in-flight operations.
	Limit int

	// Interrupt stops admission of new items when closed or sent to.
	// Items already running are allowed to finish.
	Interrupt <-chan struct{}

	// Observer receives item lifecycle notifications. Optional.
	Observer StreamObserver
}

// StreamOutcome reports how far a stream got and which items were visited.
type StreamOutcome struct {
	State StreamOutcomeState

	// ItemIDsProcessed lists items whose operation ran, in completion order.
	ItemIDsProcessed []resources.ItemID

	// ItemIDsNotProcessed lists items that were never started, in insertion order.
	ItemIDsNotProcessed []resources.ItemID
}

// StreamResult combines the stream outcome with per-item errors.
type StreamResult struct {
	Outcome StreamOutcome
	Errors  map[resources.ItemID]error
}

// HasErrors returns true if any item failed.
func (r StreamResult) HasErrors() bool {
	return len(r.Errors) > 0
}

type nodeState int

const (
	nodePending nodeState = iota
	nodeRunning
	nodeDone
	nodeFailed
	nodeSkipped
)

type completion struct {
	id       resources.ItemID
	err      error
	panicked any
	duration time.Duration
}

// ForEachConcurrent runs fn once for every node in the graph.
//
// A node is dispatched only when all of its predecessors completed without
// error and its declared access is compatible with every running operation.
// Among ready nodes, earlier insertion order is dispatched first. Both checks
// are re-evaluated every time a slot frees up.
//
// When a node fails, all of its descendants are marked not processed; other
// branches continue. When ctx is cancelled or opts.Interrupt fires, no new
// node is dispatched, in-flight nodes are drained, and the outcome state is
// StreamInterrupted.
//
// A panic raised by fn (for example a resource borrow conflict) is re-raised
// on the calling goroutine after in-flight nodes are drained.
func ForEachConcurrent[N Node](ctx context.Context, g *Graph[N], opts StreamOptions, fn ItemFn[N]) StreamResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}
	sem := semaphore.NewWeighted(int64(limit))

	result := StreamResult{
		Outcome: StreamOutcome{
			State:               StreamNotStarted,
			ItemIDsProcessed:    make([]resources.ItemID, 0, g.Len()),
			ItemIDsNotProcessed: make([]resources.ItemID, 0),
		},
		Errors: make(map[resources.ItemID]error),
	}
	if g.Len() == 0 {
		result.Outcome.State = StreamFinished
		return result
	}

	// Precompute access declarations, these do not change during a stream
	ids := g.ItemIDs()
	accesses := make(map[resources.ItemID]access.Access, len(ids))
	states := make(map[resources.ItemID]nodeState, len(ids))
	for _, id := range ids {
		n, _ := g.Node(id)
		accesses[id] = access.OfDyn(n)
		states[id] = nodePending
	}

	running := make(map[resources.ItemID]bool)
	done := make(chan completion, len(ids))
	interrupt := opts.Interrupt
	ctxDone := ctx.Done()
	interrupted := false
	var panicValue any

	ready := func(id resources.ItemID) bool {
		for _, pred := range g.Predecessors(id) {
			if states[pred] != nodeDone {
				return false
			}
		}
		candidate := accesses[id]
		for other := range running {
			if candidate.ConflictsWith(accesses[other]) {
				return false
			}
		}
		return true
	}

	skipDescendants := func(id resources.ItemID, cause error) {
		for _, desc := range g.Descendants(id) {
			if states[desc] != nodePending {
				continue
			}
			states[desc] = nodeSkipped
			reason := NewPermanentError(fmt.Sprintf("predecessor %s failed", id), cause).
				WithCode(ErrCodeDependencyFailed).
				WithItem(string(desc))
			if opts.Observer != nil {
				opts.Observer.ItemNotProcessed(desc, reason)
			}
		}
	}

	dispatch := func(id resources.ItemID) {
		n, _ := g.Node(id)
		states[id] = nodeRunning
		running[id] = true
		if opts.Observer != nil {
			opts.Observer.ItemStarted(id)
		}

		go func() {
			start := time.Now()
			c := completion{id: id}
			defer func() {
				if r := recover(); r != nil {
					c.panicked = r
				}
				c.duration = time.Since(start)
				sem.Release(1)
				done <- c
			}()
			c.err = fn(ctx, n)
		}()
	}

	for {
		if !interrupted {
			select {
			case <-interrupt:
				interrupted = true
				interrupt = nil
			case <-ctxDone:
				interrupted = true
				ctxDone = nil
			default:
			}
		}

		// Admit as many ready nodes as the limit allows, in insertion order
		if !interrupted && panicValue == nil {
			for _, id := range ids {
				if states[id] != nodePending || !ready(id) {
					continue
				}
				if !sem.TryAcquire(1) {
					break
				}
				dispatch(id)
			}
		}

		if len(running) == 0 {
			break
		}

		select {
		case c := <-done:
			delete(running, c.id)
			result.Outcome.ItemIDsProcessed = append(result.Outcome.ItemIDsProcessed, c.id)

			if c.panicked != nil && panicValue == nil {
				panicValue = c.panicked
			}

			err := c.err
			if c.panicked != nil && err == nil {
				err = fmt.Errorf("item %s panicked: %v", c.id, c.panicked)
			}
			if err != nil {
				states[c.id] = nodeFailed
				result.Errors[c.id] = err
				skipDescendants(c.id, err)
			} else {
				states[c.id] = nodeDone
			}
			if opts.Observer != nil {
				opts.Observer.ItemCompleted(c.id, err, c.duration)
			}

		case <-interrupt:
			interrupted = true
			interrupt = nil

		case <-ctxDone:
			interrupted = true
			ctxDone = nil
		}
	}

	if panicValue != nil {
		panic(panicValue)
	}

	// Anything still pending was never started
	for _, id := range ids {
		switch states[id] {
		case nodePending, nodeSkipped:
			result.Outcome.ItemIDsNotProcessed = append(result.Outcome.ItemIDsNotProcessed, id)
			if states[id] == nodePending && opts.Observer != nil {
				opts.Observer.ItemNotProcessed(id, NewPermanentError("execution interrupted", nil).
					WithCode(ErrCodeInterrupted).WithItem(string(id)))
			}
		}
	}

	switch {
	case len(result.Outcome.ItemIDsProcessed) == 0 && interrupted:
		result.Outcome.State = StreamNotStarted
	case interrupted && len(result.Outcome.ItemIDsNotProcessed) > 0:
		result.Outcome.State = StreamInterrupted
	default:
		result.Outcome.State = StreamFinished
	}

	return result
}
