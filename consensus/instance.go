// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aura-foundation/aura/lib/ident"
)

// State is the consensus instance lifecycle.
type State string

const (
	StatePending        State = "pending"
	StateFastPathActive State = "fast_path_active"
	StateFallbackActive State = "fallback_active"
	StateCommitted      State = "committed"
	StateFailed         State = "failed"
)

// ErrTerminal is returned by Step on an instance that already
// committed or failed.
var ErrTerminal = errors.New("consensus instance is terminal")

// Aggregator combines the accepted shares into the commit signature.
// The account lane passes the ceremony's aggregation; tests can pass
// anything deterministic.
type Aggregator func(shares [][]byte) ([]byte, error)

// Input is one typed event fed to Step. Exactly the four event kinds
// the instance reacts to implement it.
type Input interface{ isInput() }

// Propose opens the instance.
type Propose struct {
	Witnesses []ident.DeviceID
	Threshold int
	Initiator ident.DeviceID
}

// Share is one witness's contribution.
type Share struct {
	Witness      ident.DeviceID
	ShareData    []byte
	PrestateHash ident.Hash32
	// DataBinding commits the witness to what it is signing. Two
	// shares from one witness with different bindings is equivocation.
	DataBinding ident.Hash32
}

// FallbackTimerFired arrives from the lane's T_fast timer.
type FallbackTimerFired struct{}

// Equivocation reports a witness caught signing two bindings,
// detected here or by a peer.
type Equivocation struct {
	Witness ident.DeviceID
}

func (Propose) isInput()            {}
func (Share) isInput()              {}
func (FallbackTimerFired) isInput() {}
func (Equivocation) isInput()       {}

// CommitFact is the journal payload a committed instance emits.
type CommitFact struct {
	CID          ident.Hash32 `json:"cid"`
	ResultID     ident.ID     `json:"result_id"`
	Signature    []byte       `json:"signature"`
	PrestateHash ident.Hash32 `json:"prestate_hash"`
}

// Output reports what a step produced: a commit, newly detected
// equivocators, or nothing beyond a state change.
type Output struct {
	Commit       *CommitFact
	Equivocators []ident.DeviceID
	// SolicitShares is set on the transition to FallbackActive; the
	// lane should re-request shares from witnesses that have not
	// responded.
	SolicitShares []ident.DeviceID
}

// Instance is the single-decision machine for one consensus ID.
type Instance struct {
	id        ident.Hash32
	prestate  ident.Hash32
	aggregate Aggregator

	state               State
	fallbackTimerActive bool

	witnesses    map[ident.DeviceID]bool
	threshold    int
	initiator    ident.DeviceID
	shares       map[ident.DeviceID]Share
	equivocators map[ident.DeviceID]bool
	binding      ident.Hash32
	haveBinding  bool
}

// New creates an instance for the given prestate and operation bytes.
// The consensus ID binds both.
func New(prestate ident.Hash32, opBytes []byte, aggregate Aggregator) *Instance {
	return &Instance{
		id:           ident.HashConsensus(prestate, opBytes),
		prestate:     prestate,
		aggregate:    aggregate,
		state:        StatePending,
		witnesses:    make(map[ident.DeviceID]bool),
		shares:       make(map[ident.DeviceID]Share),
		equivocators: make(map[ident.DeviceID]bool),
	}
}

// ID returns the consensus ID.
func (in *Instance) ID() ident.Hash32 { return in.id }

// State returns the current lifecycle state.
func (in *Instance) State() State { return in.state }

// FallbackTimerActive reports whether the lane should keep its T_fast
// timer armed.
func (in *Instance) FallbackTimerActive() bool { return in.fallbackTimerActive }

// Equivocators returns the recorded equivocators, sorted.
func (in *Instance) Equivocators() []ident.DeviceID {
	out := make([]ident.DeviceID, 0, len(in.equivocators))
	for w := range in.equivocators {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	return out
}

// Step feeds one input through the machine.
func (in *Instance) Step(input Input) (Output, error) {
	if in.state == StateCommitted || in.state == StateFailed {
		// Late timer fires are expected noise; anything else is a
		// caller bug.
		if _, ok := input.(FallbackTimerFired); ok {
			return Output{}, nil
		}
		return Output{}, fmt.Errorf("%w (%s)", ErrTerminal, in.state)
	}

	switch ev := input.(type) {
	case Propose:
		return in.propose(ev)
	case Share:
		return in.share(ev)
	case FallbackTimerFired:
		return in.timerFired()
	case Equivocation:
		return in.equivocate(ev.Witness)
	default:
		return Output{}, fmt.Errorf("unknown input %T", input)
	}
}

func (in *Instance) propose(ev Propose) (Output, error) {
	if in.state != StatePending {
		return Output{}, fmt.Errorf("propose in state %s", in.state)
	}
	if ev.Threshold < 1 || ev.Threshold > len(ev.Witnesses) {
		return Output{}, fmt.Errorf("threshold %d out of range for %d witnesses", ev.Threshold, len(ev.Witnesses))
	}
	for _, w := range ev.Witnesses {
		in.witnesses[w] = true
	}
	in.threshold = ev.Threshold
	in.initiator = ev.Initiator
	in.state = StateFastPathActive
	in.fallbackTimerActive = true
	return Output{}, nil
}

func (in *Instance) share(ev Share) (Output, error) {
	if in.state != StateFastPathActive && in.state != StateFallbackActive {
		return Output{}, fmt.Errorf("share in state %s", in.state)
	}
	if !in.witnesses[ev.Witness] {
		return Output{}, fmt.Errorf("share from %s, not a witness", ev.Witness.Short())
	}
	if in.equivocators[ev.Witness] {
		return Output{}, nil
	}
	if ev.PrestateHash != in.prestate {
		return Output{}, fmt.Errorf("share against prestate %s, instance is at %s",
			ev.PrestateHash.Short(), in.prestate.Short())
	}

	if prev, ok := in.shares[ev.Witness]; ok {
		if prev.DataBinding != ev.DataBinding {
			return in.equivocate(ev.Witness)
		}
		return Output{}, nil
	}

	// The first share fixes the binding the instance tallies.
	// A later share with a different binding from a new witness is not
	// equivocation by that witness, just a non-matching share.
	if !in.haveBinding {
		in.binding = ev.DataBinding
		in.haveBinding = true
	}
	if ev.DataBinding != in.binding {
		return Output{}, fmt.Errorf("share binding %s does not match instance binding %s",
			ev.DataBinding.Short(), in.binding.Short())
	}

	in.shares[ev.Witness] = ev
	if len(in.shares) < in.threshold {
		return Output{}, nil
	}
	return in.commit()
}

func (in *Instance) commit() (Output, error) {
	witnesses := make([]ident.DeviceID, 0, len(in.shares))
	for w := range in.shares {
		witnesses = append(witnesses, w)
	}
	slices.SortFunc(witnesses, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		return 1
	})
	shareData := make([][]byte, 0, len(witnesses))
	for _, w := range witnesses {
		shareData = append(shareData, in.shares[w].ShareData)
	}
	sig, err := in.aggregate(shareData)
	if err != nil {
		in.state = StateFailed
		in.fallbackTimerActive = false
		return Output{}, fmt.Errorf("aggregating shares: %w", err)
	}

	in.state = StateCommitted
	in.fallbackTimerActive = false
	resultHash := ident.HashFact(sig)
	var resultID ident.ID
	copy(resultID[:], resultHash[:16])
	return Output{Commit: &CommitFact{
		CID:          in.id,
		ResultID:     resultID,
		Signature:    sig,
		PrestateHash: in.prestate,
	}}, nil
}

func (in *Instance) timerFired() (Output, error) {
	if in.state != StateFastPathActive {
		return Output{}, nil
	}
	in.state = StateFallbackActive
	in.fallbackTimerActive = false

	var missing []ident.DeviceID
	for w := range in.witnesses {
		if _, ok := in.shares[w]; !ok && !in.equivocators[w] {
			missing = append(missing, w)
		}
	}
	slices.SortFunc(missing, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		return 1
	})
	return Output{SolicitShares: missing}, nil
}

func (in *Instance) equivocate(witness ident.DeviceID) (Output, error) {
	if !in.witnesses[witness] {
		return Output{}, fmt.Errorf("equivocation report for %s, not a witness", witness.Short())
	}
	if in.equivocators[witness] {
		return Output{}, nil
	}
	in.equivocators[witness] = true
	delete(in.shares, witness)

	out := Output{Equivocators: []ident.DeviceID{witness}}
	if len(in.witnesses)-len(in.equivocators) < in.threshold {
		in.state = StateFailed
		in.fallbackTimerActive = false
	}
	return out, nil
}
