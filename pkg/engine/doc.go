// Package engine holds the execution core shared by every command: the
// item graph, the concurrent scheduler that walks it, and the error and
// status vocabulary commands report with.
//
// # Graph
//
// Graph keeps items in insertion order and rejects edges that would form a
// cycle. Levels and TopologicalOrder derive execution order from the edges;
// Reversed gives the order clean runs in.
//
// # Scheduling
//
// ForEachConcurrent runs a function once per item. An item starts when
// every predecessor succeeded and its declared resource access does not
// conflict with running items. A failure marks the item's descendants not
// processed and leaves other branches running. Interrupts stop admission of
// new items and let running ones finish.
//
// # Errors
//
// EngineError carries a class and a code:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// Use the helpers to inspect them:
//
//	if IsTransient(err) {
//	    // Retry the operation
//	}
//
//	if HasCode(err, ErrCodeStatesCurrentDiscoverRequired) {
//	    // Run discover first
//	}
package engine
