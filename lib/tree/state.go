// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"maps"
	"slices"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
)

// State is the commitment tree state at one point in its history. The
// zero-leaf state produced by NewState is the reduction starting
// point; everything else is reached by applying attested operations.
//
// State is not safe for concurrent mutation. The account lane owns the
// authoritative copy; everyone else works on clones or commitments.
type State struct {
	Epoch      uint64
	Leaves     map[LeafID]LeafNode
	Policy     Policy
	NextLeafID LeafID
	// GroupKey is the 32-byte Ed25519 group verification key aggregate
	// signatures verify against. Installed by the genesis operation,
	// replaced by key-rotating epoch bumps and tree replacement.
	GroupKey []byte
}

// NewState returns the empty tree state: epoch 0, no leaves, no group
// key. Its commitment is the parent commitment every genesis operation
// binds to.
func NewState() *State {
	return &State{
		Leaves:     make(map[LeafID]LeafNode),
		NextLeafID: 1,
	}
}

// Clone returns a deep copy. Apply works on a clone and swaps it in
// only on success, so a rejected operation never leaves partial
// mutations behind.
func (s *State) Clone() *State {
	copied := &State{
		Epoch:      s.Epoch,
		Leaves:     make(map[LeafID]LeafNode, len(s.Leaves)),
		Policy:     s.Policy,
		NextLeafID: s.NextLeafID,
		GroupKey:   slices.Clone(s.GroupKey),
	}
	for id, leaf := range s.Leaves {
		leaf.PublicKey = slices.Clone(leaf.PublicKey)
		leaf.Meta = maps.Clone(leaf.Meta)
		copied.Leaves[id] = leaf
	}
	return copied
}

// commitmentInput is the canonical encoding the root commitment is
// computed over. Leaves are sorted by leaf ID so insertion order never
// leaks into the commitment.
type commitmentInput struct {
	Epoch      uint64       `cbor:"epoch"`
	Leaves     []LeafNode   `cbor:"leaves"`
	PolicyHash ident.Hash32 `cbor:"policy_hash"`
	GroupKey   []byte       `cbor:"group_key,omitempty"`
}

// RootCommitment returns the 32-byte commitment to the current state:
// the tree-domain hash of (epoch, sorted leaves, policy hash, group
// key). Pure function of the state.
func (s *State) RootCommitment() ident.Hash32 {
	input := commitmentInput{
		Epoch:      s.Epoch,
		Leaves:     s.SortedLeaves(),
		PolicyHash: s.Policy.Hash(),
		GroupKey:   s.GroupKey,
	}
	encoded, err := codec.Marshal(input)
	if err != nil {
		panic("tree: encoding commitment input: " + err.Error())
	}
	return ident.HashTree(encoded)
}

// Binding returns the parent binding a new operation against this
// state must carry.
func (s *State) Binding() ParentBinding {
	return ParentBinding{
		ParentEpoch:      s.Epoch,
		ParentCommitment: s.RootCommitment(),
		PolicyHash:       s.Policy.Hash(),
	}
}

// SortedLeaves returns the leaves ordered by leaf ID.
func (s *State) SortedLeaves() []LeafNode {
	leaves := make([]LeafNode, 0, len(s.Leaves))
	for _, leaf := range s.Leaves {
		leaves = append(leaves, leaf)
	}
	slices.SortFunc(leaves, func(a, b LeafNode) int {
		return int(a.LeafID) - int(b.LeafID)
	})
	return leaves
}

// LeavesByRole returns the leaves with the given role, ordered by leaf
// ID.
func (s *State) LeavesByRole(role Role) []LeafNode {
	var leaves []LeafNode
	for _, leaf := range s.SortedLeaves() {
		if leaf.Role == role {
			leaves = append(leaves, leaf)
		}
	}
	return leaves
}

// DeviceLeaf returns the device-role leaf for the given device, if
// present.
func (s *State) DeviceLeaf(device ident.DeviceID) (LeafNode, bool) {
	for _, leaf := range s.Leaves {
		if leaf.Role == RoleDevice && leaf.DeviceID == device {
			return leaf, true
		}
	}
	return LeafNode{}, false
}

// countRole returns how many leaves carry the given role.
func (s *State) countRole(role Role) int {
	count := 0
	for _, leaf := range s.Leaves {
		if leaf.Role == role {
			count++
		}
	}
	return count
}
