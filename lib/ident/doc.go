// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines Aura's identifier types and hashing primitives.
//
// All identifiers are 128-bit opaque values: [AccountID], [DeviceID],
// [AuthorityID], [ContextID], [SessionID], [IntentID], and [FactID].
// They serialize as 32-character lowercase hex via encoding.TextMarshaler,
// which lib/codec turns into CBOR text strings and encoding/json into
// JSON strings.
//
// [Hash32] is the 32-byte digest type used for tree commitments, content
// addresses, and consensus identifiers. All hashing is BLAKE3 in keyed
// mode with fixed ASCII domain keys, so the same bytes hashed in
// different contexts can never collide across domains.
//
// [RelationshipID] is the one derived identifier: it is computed from
// the two account IDs of a pairwise relationship and is commutative by
// construction — both sides derive the same value regardless of
// argument order.
package ident
