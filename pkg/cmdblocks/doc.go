// Package cmdblocks runs commands as an ordered sequence of blocks.
//
// Each block makes one pass over a flow's item graph and leaves its
// results, such as discovered states or diffs, in the resource store for
// later blocks. A CmdExecution verifies that every block's inputs are
// produced by an earlier block before running anything, stops at the first
// block with item errors, and reports a CmdOutcome that tells apart a
// complete run, a run with failed items and an interrupted run.
package cmdblocks
