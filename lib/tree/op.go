// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
)

// Role classifies a leaf within the commitment tree. Policy thresholds
// filter by role: the account threshold counts device leaves, the
// recovery threshold counts guardian leaves.
type Role string

// The closed set of leaf roles.
const (
	RoleDevice   Role = "device"
	RoleGuardian Role = "guardian"
	RoleService  Role = "service"
)

// LeafID identifies a leaf within one account's tree. IDs are drawn
// from a monotonic counter stored in the state and are never reused,
// so a removed leaf's ID stays dead forever.
type LeafID uint32

// LeafNode is one leaf of the commitment tree: a public key bound to a
// role and the device (or guardian account, or service) it belongs to.
type LeafNode struct {
	LeafID    LeafID         `json:"leaf_id"`
	Role      Role           `json:"role"`
	DeviceID  ident.DeviceID `json:"device_id"`
	PublicKey []byte         `json:"public_key"`
	// Meta carries auxiliary leaf data (display name, platform, HPKE
	// public key for relationship key wrapping). It is part of the
	// signed operation and therefore of the commitment.
	Meta map[string]string `json:"meta,omitempty"`
}

// Policy is the threshold policy governing tree mutations.
type Policy struct {
	// Threshold is how many device-role signers an ordinary operation
	// needs.
	Threshold int `json:"threshold"`
	// GuardianThreshold is how many guardian-role signers a privileged
	// recovery operation needs.
	GuardianThreshold int `json:"guardian_threshold"`
}

// Hash returns the policy-domain digest of the canonical encoding.
func (p Policy) Hash() ident.Hash32 {
	encoded, err := codec.Marshal(p)
	if err != nil {
		// Policy has no encodable failure mode; a marshal error here
		// is a bug in the codec configuration.
		panic("tree: encoding policy: " + err.Error())
	}
	return ident.HashPolicy(encoded)
}

// OpKind discriminates the closed TreeOp variant set. The first four
// kinds are ordinary operations gated by the device threshold; the
// recovery kinds are privileged and gated by the guardian threshold.
type OpKind string

// Ordinary operations.
const (
	OpAddLeaf      OpKind = "add_leaf"
	OpRemoveLeaf   OpKind = "remove_leaf"
	OpChangePolicy OpKind = "change_policy"
	OpRotateEpoch  OpKind = "rotate_epoch"
)

// Privileged recovery operations (guardian threshold).
const (
	OpReplaceTree  OpKind = "replace_tree"
	OpAddDevice    OpKind = "recovery_add_device"
	OpRemoveDevice OpKind = "recovery_remove_device"
	OpUpdatePolicy OpKind = "recovery_update_policy"
)

// Privileged reports whether the kind is a recovery operation that
// requires guardian signers instead of device signers.
func (k OpKind) Privileged() bool {
	switch k {
	case OpReplaceTree, OpAddDevice, OpRemoveDevice, OpUpdatePolicy:
		return true
	}
	return false
}

// TreeOp is one proposed tree mutation. Exactly the fields required by
// its Kind are set; Validate enforces this. The canonical CBOR
// encoding of a TreeOp is what gets hashed for reduction tie-breaks
// and signed by the ceremony.
type TreeOp struct {
	Kind OpKind `json:"kind"`

	// Leaf is the leaf being added (OpAddLeaf, OpAddDevice). Its
	// LeafID field must be zero; Apply assigns the next counter value.
	Leaf *LeafNode `json:"leaf,omitempty"`

	// LeafID names the leaf being removed (OpRemoveLeaf,
	// OpRemoveDevice).
	LeafID LeafID `json:"leaf_id,omitempty"`

	// Reason is a free-form removal reason (OpRemoveLeaf,
	// OpRemoveDevice).
	Reason string `json:"reason,omitempty"`

	// NewPolicy is the replacement policy (OpChangePolicy,
	// OpUpdatePolicy, OpReplaceTree).
	NewPolicy *Policy `json:"new_policy,omitempty"`

	// Affected lists the leaves whose key material the epoch rotation
	// covers (OpRotateEpoch). Empty means all leaves.
	Affected []LeafID `json:"affected,omitempty"`

	// Leaves is the full replacement leaf set (OpReplaceTree).
	Leaves []LeafNode `json:"leaves,omitempty"`

	// GroupKey installs a new 32-byte Ed25519 group verification key.
	// Required on the genesis operation and on OpReplaceTree; optional
	// on OpRotateEpoch (key rotation).
	GroupKey []byte `json:"group_key,omitempty"`

	// RotatesEpoch marks the operation as bumping the epoch. Removals
	// and policy changes are rejected unless this is set: stale key
	// material must not remain valid under the old epoch.
	RotatesEpoch bool `json:"rotates_epoch,omitempty"`
}

// Validate checks that the operation is well-formed: a known kind with
// exactly the fields that kind requires.
func (op *TreeOp) Validate() error {
	switch op.Kind {
	case OpAddLeaf, OpAddDevice:
		if op.Leaf == nil {
			return fmt.Errorf("%s: missing leaf", op.Kind)
		}
		if op.Leaf.LeafID != 0 {
			return fmt.Errorf("%s: leaf ID must be unassigned, got %d", op.Kind, op.Leaf.LeafID)
		}
		if len(op.Leaf.PublicKey) == 0 {
			return fmt.Errorf("%s: leaf has no public key", op.Kind)
		}
		switch op.Leaf.Role {
		case RoleDevice, RoleGuardian, RoleService:
		default:
			return fmt.Errorf("%s: unknown role %q", op.Kind, op.Leaf.Role)
		}
	case OpRemoveLeaf, OpRemoveDevice:
		if op.LeafID == 0 {
			return fmt.Errorf("%s: missing leaf ID", op.Kind)
		}
		if !op.RotatesEpoch {
			return fmt.Errorf("%s: removal must rotate the epoch", op.Kind)
		}
	case OpChangePolicy, OpUpdatePolicy:
		if op.NewPolicy == nil {
			return fmt.Errorf("%s: missing new policy", op.Kind)
		}
		if !op.RotatesEpoch {
			return fmt.Errorf("%s: policy change must rotate the epoch", op.Kind)
		}
	case OpRotateEpoch:
		if len(op.GroupKey) != 0 && len(op.GroupKey) != 32 {
			return fmt.Errorf("%s: group key is %d bytes, want 32", op.Kind, len(op.GroupKey))
		}
	case OpReplaceTree:
		if len(op.Leaves) == 0 {
			return fmt.Errorf("%s: empty replacement leaf set", op.Kind)
		}
		if op.NewPolicy == nil {
			return fmt.Errorf("%s: missing replacement policy", op.Kind)
		}
		if len(op.GroupKey) != 32 {
			return fmt.Errorf("%s: group key is %d bytes, want 32", op.Kind, len(op.GroupKey))
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if p := op.NewPolicy; p != nil {
		if p.Threshold < 1 {
			return fmt.Errorf("%s: threshold %d < 1", op.Kind, p.Threshold)
		}
		if p.GuardianThreshold < 0 {
			return fmt.Errorf("%s: negative guardian threshold", op.Kind)
		}
	}
	return nil
}

// CanonicalBytes returns the deterministic CBOR encoding of the
// operation. These are the "op bytes" everywhere: the reduction
// tie-break digest, the ConsensusID, and the signed ceremony message
// are all computed over them.
func (op *TreeOp) CanonicalBytes() ([]byte, error) {
	return codec.Marshal(op)
}

// Digest returns the op-domain hash of the canonical encoding.
func (op *TreeOp) Digest() (ident.Hash32, error) {
	encoded, err := op.CanonicalBytes()
	if err != nil {
		return ident.ZeroHash, fmt.Errorf("encoding operation: %w", err)
	}
	return ident.HashOp(encoded), nil
}

// ParentBinding ties an operation to the exact state it was built
// against. An operation whose binding does not match the current
// (epoch, root commitment, policy hash) is rejected at apply.
type ParentBinding struct {
	ParentEpoch      uint64       `json:"parent_epoch"`
	ParentCommitment ident.Hash32 `json:"parent_commitment"`
	PolicyHash       ident.Hash32 `json:"policy_hash"`
}

// signingDomainTag prefixes every signed tree operation message.
const signingDomainTag = "TREE_OP_SIG"

// SigningMessage builds the canonical message the threshold ceremony
// signs: the domain tag, the encoded parent binding, then the encoded
// operation. The binding inside the signed message is what prevents a
// signature made against one state from attesting the same operation
// against another.
func SigningMessage(binding ParentBinding, op *TreeOp) ([]byte, error) {
	bindingBytes, err := codec.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("encoding parent binding: %w", err)
	}
	opBytes, err := op.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding operation: %w", err)
	}
	message := make([]byte, 0, len(signingDomainTag)+len(bindingBytes)+len(opBytes))
	message = append(message, signingDomainTag...)
	message = append(message, bindingBytes...)
	message = append(message, opBytes...)
	return message, nil
}

// AttestedOp is a TreeOp plus the threshold signature the ceremony
// produced over it and its parent binding. Only the signer count is
// carried, never the signer identities.
type AttestedOp struct {
	Op          TreeOp        `json:"op"`
	Binding     ParentBinding `json:"binding"`
	AggSig      []byte        `json:"agg_sig"`
	SignerCount uint16        `json:"signer_count"`
}

// Digest returns the op-domain hash of the attested operation's
// operation bytes, not the signature: two attestations of the same
// op at the same parent are the same logical event.
func (a *AttestedOp) Digest() (ident.Hash32, error) {
	return a.Op.Digest()
}
