// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package intent implements the staging pool for proposed tree
// operations.
//
// An intent is an unsigned TreeOp a device would like committed,
// tagged with the root commitment it was drafted against, a priority,
// and the set of tree positions it touches. Devices gossip intents
// freely; the pool is an OR-set, so adds and retractions merge in any
// order and every replica converges to the same set.
//
// Ranking is where determinism matters: given the same pool contents
// and the same current snapshot, every device computes the same batch
// and the same instigator. That is what lets a quorum of devices agree
// on which operation to run a signing ceremony for without any
// coordination round of its own.
package intent
