// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
)

// ID is a 128-bit opaque identifier. The named aliases below document
// which kind of identifier an API expects; they all share this
// representation and the hex text encoding.
type ID [16]byte

// AccountID identifies an account, the unit of identity. An account
// owns one authority journal and one commitment tree.
type AccountID = ID

// DeviceID identifies a single device within an account's device set.
type DeviceID = ID

// AuthorityID identifies the signing authority of an account. Distinct
// from AccountID in the wire protocol even though most deployments use
// a single authority per account.
type AuthorityID = ID

// ContextID identifies a journal namespace: the account's authority
// journal or a per-relationship context journal.
type ContextID = ID

// SessionID identifies one run of a threshold signing ceremony. A
// failed ceremony must never be retried under the same SessionID.
type SessionID = ID

// IntentID is the unique token of a proposed operation in the intent
// pool. It is the OR-set element identity: retraction tombstones carry
// the same IntentID as the add they cancel.
type IntentID = ID

// RelationshipID identifies the pairwise context between two accounts.
// Derive it only via [Relationship]; there is no other way to obtain
// one.
type RelationshipID = ID

// Zero is the all-zero identifier. No generated identifier is ever
// zero, so it doubles as the "unset" sentinel.
var Zero ID

// NewID reads 16 random bytes from source. Production callers pass
// crypto/rand.Reader; the simulator and tests pass a seeded reader so
// identifier assignment is reproducible.
func NewID(source io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(source, id[:]); err != nil {
		return Zero, fmt.Errorf("generating identifier: %w", err)
	}
	if id == Zero {
		return Zero, fmt.Errorf("random source produced the zero identifier")
	}
	return id, nil
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == Zero }

// String returns the 32-character lowercase hex form.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(id)))
	hex.Encode(text, id[:])
	return text, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parsing identifier: %w", err)
	}
	if len(decoded) != len(id) {
		return fmt.Errorf("identifier is %d bytes, want %d", len(decoded), len(id))
	}
	copy(id[:], decoded)
	return nil
}

// ParseID parses a 32-character hex string into an ID.
func ParseID(text string) (ID, error) {
	var id ID
	if err := id.UnmarshalText([]byte(text)); err != nil {
		return Zero, err
	}
	return id, nil
}

// Less reports whether id orders before other in the canonical
// lexicographic byte order. This ordering is load-bearing: instigator
// selection, link-device selection, and intent ranking all tie-break
// on it, and every replica must agree.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Relationship derives the RelationshipID for the pairwise context
// between two accounts: the relationship-domain hash of the two
// account IDs in sorted order. Commutative by construction.
func Relationship(a, b AccountID) RelationshipID {
	lo, hi := a, b
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	var joined [32]byte
	copy(joined[:16], lo[:])
	copy(joined[16:], hi[:])
	digest := HashRelationship(joined[:])
	var rel RelationshipID
	copy(rel[:], digest[:16])
	return rel
}
