// Package engine runs the reconciliation pipeline.
//
// # Overview
//
// A Transaction brings persisted state to a desired model graph in four checkpoints:
//
//  1. model diffs: the desired model graph diffed against the persisted one
//  2. model transaction: model actions turn model diffs into desired resources
//  3. resource diffs: previously desired resources diffed against the desired ones
//  4. resource transaction: resource actions realize resource diffs against a provider
//
// Callers advance a transaction one checkpoint at a time with Next, inspect or mock the
// intermediate results, and persist what was produced with Commit. Execute runs every
// stage and commits.
//
// # Actions
//
// Actions are registered per tier in an ActionRegistry. Every diff must be matched by at
// least one action. Matched diffs are ordered by the graph's dependency edges and field
// rules (see graph.MustFollow) into levels. Diffs of one level run concurrently, bounded
// by the environment's max parallelism, and their declared outputs are merged in apply
// order before the next level starts.
//
// When an action fails, the successful executions of the batch are reverted in reverse
// order with the inverse of their diffs and the original error is returned.
//
// Resource actions may implement Mocker to run without a provider and Validator to verify
// their resource after commit. Validation failures do not roll back the commit.
//
// # Hooks
//
// HookRegistry runs BatchHooks before and after each tier and CommitHooks around the
// commit. Policies are wired in as pre-batch hooks.
package engine
