// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package account runs the per-account lane: the single goroutine that
// owns an account's authoritative state and through which every
// mutation funnels.
//
// The lane owns the authority journal, the reduced commitment tree,
// the intent pool, and any in-flight consensus instances and signing
// ceremonies. External callers never touch these directly; they
// enqueue typed commands (ProposeOp, GetState, EstablishRelationship,
// Deliver) and the lane processes them one at a time. Because every
// state transition happens on the lane goroutine, no component holds a
// lock across a journal write or a ceremony step.
//
// A fact becomes visible to subscribers only after the journal insert
// returns, which for a file-backed journal means after fsync. Ceremony
// failures never reach the journal; they are recorded as local
// telemetry records queryable through Records. Equivocators observed
// by a consensus instance are revoked from gossip at the next policy
// checkpoint, which for this lane is the next committed operation.
package account
