// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package consensus drives a proposed tree operation from intent to
// committed fact.
//
// Two state machines live here. The consensus instance is the
// single-decision machine keyed by consensus ID: it tallies witness
// shares on a fast path, falls back to solicitation when the fast
// timer fires, and commits once a threshold of non-equivocating
// witnesses agree on the same data binding. The ceremony is the
// coordinator and signer sides of the five-phase threshold signing
// exchange that actually produces the aggregate signature.
//
// Both machines are pure: every transition happens in a step function
// fed a typed input, and timers live with the caller. The account
// lane owns the clock, feeds timeout inputs when its timers fire, and
// forwards emitted messages to the transport. That keeps every
// decision path deterministic and replayable in tests.
package consensus
