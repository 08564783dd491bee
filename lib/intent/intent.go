// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package intent

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/tree"
)

// Intent is one proposed tree operation staged for commitment. The
// IntentID is the OR-set token: two intents with identical content but
// different IDs are distinct pool members, and the ranker breaks the
// tie.
type Intent struct {
	IntentID ident.IntentID `json:"intent_id"`
	Op       tree.TreeOp    `json:"op"`

	// PathSpan lists the tree positions the operation touches. Two
	// intents whose spans overlap cannot be admitted into the same
	// batch.
	PathSpan []tree.LeafID `json:"path_span,omitempty"`

	// SnapshotCommitment is the root commitment the intent was drafted
	// against. The ranker only considers intents drafted against the
	// current root; the rest are stale and ignored until gossip
	// retracts them.
	SnapshotCommitment ident.Hash32 `json:"snapshot_commitment"`

	Priority  uint64         `json:"priority"`
	Author    ident.DeviceID `json:"author"`
	CreatedAt int64          `json:"created_at"`
}

// New builds an intent with a fresh random ID. now is the wall-clock
// timestamp in milliseconds.
func New(random io.Reader, op tree.TreeOp, span []tree.LeafID, snapshot ident.Hash32, priority uint64, author ident.DeviceID, now time.Time) (Intent, error) {
	id, err := ident.NewID(random)
	if err != nil {
		return Intent{}, fmt.Errorf("generating intent id: %w", err)
	}
	return Intent{
		IntentID:           id,
		Op:                 op,
		PathSpan:           slices.Clone(span),
		SnapshotCommitment: snapshot,
		Priority:           priority,
		Author:             author,
		CreatedAt:          now.UnixMilli(),
	}, nil
}

// Validate checks the intent carries a usable operation and identity.
func (in *Intent) Validate() error {
	if in.IntentID.IsZero() {
		return fmt.Errorf("intent has zero id")
	}
	if in.Author.IsZero() {
		return fmt.Errorf("intent %s has zero author", in.IntentID.Short())
	}
	if err := in.Op.Validate(); err != nil {
		return fmt.Errorf("intent %s: %w", in.IntentID.Short(), err)
	}
	return nil
}

// overlaps reports whether the two spans share any tree position.
func overlaps(a, b []tree.LeafID) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
