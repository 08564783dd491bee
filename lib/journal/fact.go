// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"errors"
	"fmt"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/tree"
)

// Kind discriminates the closed fact content variant set.
type Kind string

const (
	// KindAttestedOp is a threshold-signed tree operation. Authority
	// journals only.
	KindAttestedOp Kind = "attested_op"
	// KindRelational is a relationship-scoped record: guardian
	// bindings, recovery grants, consensus results, key distribution.
	KindRelational Kind = "relational"
	// KindFlowBudget is a context-scoped flow budget grant or
	// spend record. Context journals only.
	KindFlowBudget Kind = "flow_budget"
	// KindSnapshot pins a reduced state hash and authorizes garbage
	// collection of strictly earlier facts.
	KindSnapshot Kind = "snapshot"
)

// RelationalKind subdivides relational facts.
type RelationalKind string

const (
	RelGuardianBinding RelationalKind = "guardian_binding"
	RelRecoveryGrant   RelationalKind = "recovery_grant"
	RelConsensus       RelationalKind = "consensus"
	RelGeneric         RelationalKind = "generic"
	// RelKeyEstablished carries the HPKE-sealed relationship key
	// blobs published at relationship establishment.
	RelKeyEstablished RelationalKind = "pairwise_key_established"
	// RelKeyUpdate carries the sealed blob for a newly added device
	// (rewrap; version unchanged) or a full reseal (rotation).
	RelKeyUpdate RelationalKind = "pairwise_key_update"
)

// Relational is the payload of a KindRelational fact. The Payload is
// raw canonical CBOR whose concrete schema depends on the relational
// kind; it stays opaque to the journal.
type Relational struct {
	Kind         RelationalKind       `json:"kind"`
	Relationship ident.RelationshipID `json:"relationship,omitempty"`
	Payload      codec.RawMessage     `json:"payload,omitempty"`
}

// FlowBudget is the payload of a KindFlowBudget fact: a grant or
// spend on a directed edge within a context.
type FlowBudget struct {
	Context     ident.ContextID `json:"context"`
	Source      ident.DeviceID  `json:"source"`
	Destination ident.DeviceID  `json:"destination"`
	Spent       uint64          `json:"spent"`
	Epoch       uint64          `json:"epoch"`
}

// Snapshot is the payload of a KindSnapshot fact.
type Snapshot struct {
	// Sequence is the journal-local sequence this snapshot covers:
	// facts inserted before it are GC-eligible.
	Sequence uint64 `json:"sequence"`
	// StateHash is the deterministic hash of the reduction of the
	// covered facts.
	StateHash ident.Hash32 `json:"state_hash"`
}

// Content is the fact payload: exactly one of the variant fields is
// set, matching Kind. The canonical CBOR encoding of Content is what
// the fact ID addresses.
type Content struct {
	Kind       Kind             `json:"kind"`
	AttestedOp *tree.AttestedOp `json:"attested_op,omitempty"`
	Relational *Relational      `json:"relational,omitempty"`
	FlowBudget *FlowBudget      `json:"flow_budget,omitempty"`
	Snapshot   *Snapshot        `json:"snapshot,omitempty"`
}

// ErrMalformed marks facts whose content fails canonical validation.
var ErrMalformed = errors.New("malformed fact")

// Validate checks the exactly-one-variant rule.
func (c *Content) Validate() error {
	set := 0
	if c.AttestedOp != nil {
		set++
		if c.Kind != KindAttestedOp {
			return fmt.Errorf("%w: attested op payload under kind %q", ErrMalformed, c.Kind)
		}
		if err := c.AttestedOp.Op.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if c.Relational != nil {
		set++
		if c.Kind != KindRelational {
			return fmt.Errorf("%w: relational payload under kind %q", ErrMalformed, c.Kind)
		}
	}
	if c.FlowBudget != nil {
		set++
		if c.Kind != KindFlowBudget {
			return fmt.Errorf("%w: flow budget payload under kind %q", ErrMalformed, c.Kind)
		}
	}
	if c.Snapshot != nil {
		set++
		if c.Kind != KindSnapshot {
			return fmt.Errorf("%w: snapshot payload under kind %q", ErrMalformed, c.Kind)
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payload variants set, want exactly 1", ErrMalformed, set)
	}
	return nil
}

// CanonicalBytes returns the deterministic encoding the fact ID is
// derived from.
func (c *Content) CanonicalBytes() ([]byte, error) {
	return codec.Marshal(c)
}

// ID derives the content address: the first 16 bytes of the
// fact-domain hash of the canonical encoding.
func (c *Content) ID() (ident.ID, error) {
	encoded, err := c.CanonicalBytes()
	if err != nil {
		return ident.Zero, fmt.Errorf("encoding fact content: %w", err)
	}
	return ident.FactIDFromContent(encoded), nil
}

// Fact is a stored fact: content plus its derived identity and the
// journal-local insertion sequence. FactID and Sequence are derived
// locally; only Content crosses the wire.
type Fact struct {
	FactID   ident.ID `json:"fact_id"`
	Sequence uint64   `json:"sequence"`
	Content  Content  `json:"content"`
}
