// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package gossip disseminates journal facts between peers.
//
// Two strategies run side by side. Eager push forwards a freshly
// accepted fact to every peer whose edge can carry it: the peer's
// flow-budget capability must cover the fact's size, the per-peer
// rate limit must have headroom, and the global announcement queue
// must be under its bound. Lazy pull serves content-addressed fact
// requests to peers that learned an ID without the body.
//
// Divergence that slips past both is caught by periodic anti-entropy:
// peers exchange digests of their sorted fact IDs and ship each other
// whatever is missing, batched and zstd-compressed. Every path is
// idempotent, so duplicate delivery is harmless.
package gossip
