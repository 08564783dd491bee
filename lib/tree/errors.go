// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"errors"
	"fmt"

	"github.com/aura-foundation/aura/lib/ident"
)

// Sentinel rejection causes. Apply wraps these with context; callers
// branch with errors.Is.
var (
	// ErrInvalidSignature means the aggregate signature did not verify
	// against the group key under the canonical signing message.
	ErrInvalidSignature = errors.New("invalid aggregate signature")

	// ErrUnknownLeaf means the operation references a leaf ID that is
	// not in the tree.
	ErrUnknownLeaf = errors.New("unknown leaf")

	// ErrPolicyViolation means the mutation would violate a structural
	// invariant (removing the last device leaf, threshold above the
	// eligible signer count, duplicate device).
	ErrPolicyViolation = errors.New("policy violation")
)

// BindingError reports a parent-binding mismatch: the operation was
// built against a state this tree is not in.
type BindingError struct {
	WantEpoch      uint64
	GotEpoch       uint64
	WantCommitment ident.Hash32
	GotCommitment  ident.Hash32
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("parent binding mismatch: bound to epoch %d commitment %s, state is at epoch %d commitment %s",
		e.GotEpoch, e.GotCommitment.Short(), e.WantEpoch, e.WantCommitment.Short())
}

// ThresholdError reports an attestation with too few signers for the
// policy in force.
type ThresholdError struct {
	Got  int
	Need int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("threshold not met: %d signers, need %d", e.Got, e.Need)
}
