// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"

	"github.com/hdevalence/ed25519consensus"
)

// Apply verifies an attested operation against the current state and,
// if every check passes, mutates the state and returns nil. On any
// rejection the state is untouched.
//
// The pipeline, in order: well-formedness, parent binding, aggregate
// signature, signer threshold, structural invariants, mutation, epoch
// bump. A genesis operation — AddLeaf bound to the empty state — is
// exempt from signature and threshold checks, since there is no group
// key or policy to verify against yet; it must install the group key
// it will be verified by from then on.
func (s *State) Apply(attested *AttestedOp) error {
	op := &attested.Op
	if err := op.Validate(); err != nil {
		return fmt.Errorf("malformed operation: %w", err)
	}

	if err := s.checkBinding(attested.Binding); err != nil {
		return err
	}

	genesis := len(s.Leaves) == 0 && op.Kind == OpAddLeaf
	if genesis {
		if len(op.GroupKey) != 32 {
			return fmt.Errorf("%w: genesis operation must install a 32-byte group key", ErrPolicyViolation)
		}
		if op.NewPolicy == nil {
			return fmt.Errorf("%w: genesis operation must install a policy", ErrPolicyViolation)
		}
	} else {
		if err := s.verifySignature(attested); err != nil {
			return err
		}
		if err := s.checkThreshold(attested); err != nil {
			return err
		}
	}

	// Mutate a clone so a structural rejection leaves s untouched.
	next := s.Clone()
	if err := next.mutate(op); err != nil {
		return err
	}
	if op.RotatesEpoch || op.Kind == OpRotateEpoch {
		next.Epoch++
	}

	*s = *next
	return nil
}

// checkBinding rejects operations bound to any state other than the
// current one.
func (s *State) checkBinding(binding ParentBinding) error {
	commitment := s.RootCommitment()
	if binding.ParentEpoch != s.Epoch || binding.ParentCommitment != commitment {
		return &BindingError{
			WantEpoch:      s.Epoch,
			GotEpoch:       binding.ParentEpoch,
			WantCommitment: commitment,
			GotCommitment:  binding.ParentCommitment,
		}
	}
	if binding.PolicyHash != s.Policy.Hash() {
		return &BindingError{
			WantEpoch:      s.Epoch,
			GotEpoch:       binding.ParentEpoch,
			WantCommitment: commitment,
			GotCommitment:  binding.ParentCommitment,
		}
	}
	return nil
}

// verifySignature checks the aggregate signature over the canonical
// signing message using the consensus-safe Ed25519 verifier (no
// malleability, stable acceptance criteria across platforms).
func (s *State) verifySignature(attested *AttestedOp) error {
	if len(s.GroupKey) != 32 {
		return fmt.Errorf("%w: state has no group key", ErrInvalidSignature)
	}
	message, err := SigningMessage(attested.Binding, &attested.Op)
	if err != nil {
		return err
	}
	if len(attested.AggSig) != 64 {
		return fmt.Errorf("%w: signature is %d bytes, want 64", ErrInvalidSignature, len(attested.AggSig))
	}
	if !ed25519consensus.Verify(s.GroupKey, message, attested.AggSig) {
		return ErrInvalidSignature
	}
	return nil
}

// checkThreshold rejects attestations whose signer count is below the
// policy threshold for the operation's kind.
func (s *State) checkThreshold(attested *AttestedOp) error {
	need := s.Policy.Threshold
	if attested.Op.Kind.Privileged() {
		need = s.Policy.GuardianThreshold
	}
	if int(attested.SignerCount) < need {
		return &ThresholdError{Got: int(attested.SignerCount), Need: need}
	}
	return nil
}

// mutate applies the operation's structural change. Called on a clone;
// errors abort the whole apply.
func (s *State) mutate(op *TreeOp) error {
	switch op.Kind {
	case OpAddLeaf, OpAddDevice:
		return s.addLeaf(*op.Leaf, op.NewPolicy, op.GroupKey)
	case OpRemoveLeaf, OpRemoveDevice:
		return s.removeLeaf(op.LeafID, op.NewPolicy)
	case OpChangePolicy, OpUpdatePolicy:
		return s.changePolicy(*op.NewPolicy)
	case OpRotateEpoch:
		if len(op.GroupKey) == 32 {
			s.GroupKey = op.GroupKey
		}
		return nil
	case OpReplaceTree:
		return s.replaceTree(op.Leaves, *op.NewPolicy, op.GroupKey)
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

func (s *State) addLeaf(leaf LeafNode, policy *Policy, groupKey []byte) error {
	for _, existing := range s.Leaves {
		if existing.Role == leaf.Role && existing.DeviceID == leaf.DeviceID {
			return fmt.Errorf("%w: %s leaf for %s already present", ErrPolicyViolation, leaf.Role, leaf.DeviceID.Short())
		}
	}
	leaf.LeafID = s.NextLeafID
	s.NextLeafID++
	s.Leaves[leaf.LeafID] = leaf

	// Genesis extras: the first operation installs policy and group
	// key alongside its leaf.
	if policy != nil {
		s.Policy = *policy
	}
	if len(groupKey) == 32 {
		s.GroupKey = groupKey
	}
	return nil
}

// removeLeaf removes a leaf, optionally installing a replacement
// policy in the same operation. A 2-of-2 account removing a device
// must lower its threshold atomically with the removal — two separate
// operations would leave an unsatisfiable policy in between.
func (s *State) removeLeaf(id LeafID, newPolicy *Policy) error {
	leaf, ok := s.Leaves[id]
	if !ok {
		return fmt.Errorf("%w: leaf %d", ErrUnknownLeaf, id)
	}
	if leaf.Role == RoleDevice && s.countRole(RoleDevice) == 1 {
		return fmt.Errorf("%w: cannot remove the last device leaf", ErrPolicyViolation)
	}
	delete(s.Leaves, id)
	if newPolicy != nil {
		s.Policy = *newPolicy
	}
	if s.countRole(RoleDevice) < s.Policy.Threshold {
		return fmt.Errorf("%w: removal leaves %d device leaves under threshold %d",
			ErrPolicyViolation, s.countRole(RoleDevice), s.Policy.Threshold)
	}
	return nil
}

func (s *State) changePolicy(policy Policy) error {
	if policy.Threshold > s.countRole(RoleDevice) {
		return fmt.Errorf("%w: threshold %d exceeds %d device leaves",
			ErrPolicyViolation, policy.Threshold, s.countRole(RoleDevice))
	}
	if policy.GuardianThreshold > s.countRole(RoleGuardian) {
		return fmt.Errorf("%w: guardian threshold %d exceeds %d guardian leaves",
			ErrPolicyViolation, policy.GuardianThreshold, s.countRole(RoleGuardian))
	}
	s.Policy = policy
	return nil
}

func (s *State) replaceTree(leaves []LeafNode, policy Policy, groupKey []byte) error {
	replacement := make(map[LeafID]LeafNode, len(leaves))
	maxID := s.NextLeafID - 1
	for _, leaf := range leaves {
		if leaf.LeafID == 0 {
			leaf.LeafID = maxID + 1
		}
		if _, dup := replacement[leaf.LeafID]; dup {
			return fmt.Errorf("%w: duplicate leaf ID %d in replacement", ErrPolicyViolation, leaf.LeafID)
		}
		replacement[leaf.LeafID] = leaf
		if leaf.LeafID > maxID {
			maxID = leaf.LeafID
		}
	}
	devices := 0
	for _, leaf := range replacement {
		if leaf.Role == RoleDevice {
			devices++
		}
	}
	if devices == 0 {
		return fmt.Errorf("%w: replacement tree has no device leaves", ErrPolicyViolation)
	}
	if policy.Threshold > devices {
		return fmt.Errorf("%w: threshold %d exceeds %d device leaves", ErrPolicyViolation, policy.Threshold, devices)
	}
	s.Leaves = replacement
	s.Policy = policy
	s.GroupKey = groupKey
	s.NextLeafID = maxID + 1
	return nil
}
