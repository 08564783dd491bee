// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"
	"slices"

	"github.com/aura-foundation/aura/lib/ident"
)

// OpOutcome classifies what reduction did with one attested operation.
type OpOutcome string

const (
	// OutcomeApplied means the operation is part of the winning chain.
	OutcomeApplied OpOutcome = "applied"
	// OutcomeSuperseded means a sibling operation with a smaller op
	// digest won at the same parent commitment. Superseded operations
	// are never applied, at this or any later reduction.
	OutcomeSuperseded OpOutcome = "superseded"
	// OutcomeRejected means the operation failed verification
	// (signature, threshold, structure) and was skipped.
	OutcomeRejected OpOutcome = "rejected"
	// OutcomeOrphaned means the operation's parent commitment was
	// never reached — its ancestor is missing or lost a tie-break.
	OutcomeOrphaned OpOutcome = "orphaned"
)

// ReduceReport records the fate of every input operation, keyed by op
// digest.
type ReduceReport struct {
	Outcomes map[ident.Hash32]OpOutcome
	// Errors holds the rejection cause for OutcomeRejected digests.
	Errors map[ident.Hash32]error
	// Applied is the winning chain in application order.
	Applied []ident.Hash32
}

// Reduce folds an unordered set of attested operations into a tree
// state. Operations chain by parent commitment: at each step the
// reducer applies the candidate bound to the current commitment,
// preferring the lexicographically smallest op digest when several
// compete. The result is a pure function of the input set — every
// replica that holds the same operations computes the same state and
// the same report.
func Reduce(ops []AttestedOp) (*State, *ReduceReport, error) {
	report := &ReduceReport{
		Outcomes: make(map[ident.Hash32]OpOutcome, len(ops)),
		Errors:   make(map[ident.Hash32]error),
	}

	type candidate struct {
		digest ident.Hash32
		op     *AttestedOp
	}
	byParent := make(map[ident.Hash32][]candidate)
	for i := range ops {
		digest, err := ops[i].Digest()
		if err != nil {
			return nil, nil, fmt.Errorf("hashing operation: %w", err)
		}
		if _, seen := report.Outcomes[digest]; seen {
			// Content-identical duplicate; the first copy stands for
			// both.
			continue
		}
		report.Outcomes[digest] = OutcomeOrphaned
		byParent[ops[i].Binding.ParentCommitment] = append(
			byParent[ops[i].Binding.ParentCommitment],
			candidate{digest: digest, op: &ops[i]},
		)
	}

	state := NewState()
	for {
		commitment := state.RootCommitment()
		candidates := byParent[commitment]
		if len(candidates) == 0 {
			break
		}
		delete(byParent, commitment)

		slices.SortFunc(candidates, func(a, b candidate) int {
			if a.digest.Less(b.digest) {
				return -1
			}
			if b.digest.Less(a.digest) {
				return 1
			}
			return 0
		})

		advanced := false
		for _, cand := range candidates {
			if advanced {
				report.Outcomes[cand.digest] = OutcomeSuperseded
				continue
			}
			if err := state.Apply(cand.op); err != nil {
				report.Outcomes[cand.digest] = OutcomeRejected
				report.Errors[cand.digest] = err
				continue
			}
			report.Outcomes[cand.digest] = OutcomeApplied
			report.Applied = append(report.Applied, cand.digest)
			advanced = true
		}
		if !advanced {
			break
		}
	}

	return state, report, nil
}
