// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package tree implements the per-account commitment tree: the
// authoritative data structure an authority journal reduces to.
//
// The tree is an ordered set of leaves — device, guardian, and service
// public keys — governed by a threshold policy. Its root commitment is
// a deterministic hash of (epoch, sorted leaves, policy hash); any two
// replicas holding the same leaves and policy compute the same
// commitment.
//
// Mutations are [TreeOp] values, a closed variant set. Every operation
// carries a [ParentBinding] naming the exact (epoch, commitment,
// policy hash) it was built against; applying an operation whose
// binding does not match the current state is rejected outright. An
// operation becomes an [AttestedOp] once a threshold signing ceremony
// has produced an aggregate signature over it; [State.Apply] verifies
// the signature, the binding, the signer count, and the structural
// invariants before mutating anything.
//
// [Reduce] rebuilds a state from an unordered set of attested
// operations by following the parent-commitment chain. When two
// operations share a parent, the one with the lexicographically
// smaller op digest wins and the other is reported as superseded —
// deterministically, so every replica converges on the same state.
package tree
