// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the content-addressed, append-only fact
// journal: one authority journal per account, one context journal per
// relationship.
//
// A fact is an immutable record identified by the first 16 bytes of
// the fact-domain hash of its canonical CBOR content. Insertion is
// idempotent on that identity; ordering within a journal comes from
// the facts themselves (attested operations chain by parent
// commitment), never from insertion order or wall clock.
//
// The journal's durability rule is absolute: a fact becomes visible to
// readers and peers only after its durable append has succeeded. A
// crash in the middle of an append leaves no observable trace — the
// file store truncates the partial tail record on reopen.
//
// Snapshots compact history. A snapshot fact at sequence s authorizes
// garbage collection of every non-snapshot fact inserted before s;
// the reduction of the surviving facts is unchanged because the
// snapshot pins the reduced state hash.
package journal
