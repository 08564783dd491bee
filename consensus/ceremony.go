// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/hdevalence/ed25519consensus"

	"github.com/aura-foundation/aura/lib/frost"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/tree"
)

// Ceremony message types. The wire encoding is canonical CBOR of
// these structs; the session ID ties the five phases together.

// SignRequest opens a ceremony session on each signer.
type SignRequest struct {
	SessionID ident.SessionID    `json:"session_id"`
	Binding   tree.ParentBinding `json:"binding"`
	Op        tree.TreeOp        `json:"op"`
	Threshold int                `json:"threshold"`
}

// NonceCommit is a signer's nonce commitment.
type NonceCommit struct {
	SessionID  ident.SessionID `json:"session_id"`
	Signer     ident.DeviceID  `json:"signer"`
	Index      uint32          `json:"index"`
	Commitment []byte          `json:"commitment"`
}

// ChallengeBroadcast announces the participating set and all their
// commitments once the coordinator holds a threshold of them.
type ChallengeBroadcast struct {
	SessionID   ident.SessionID `json:"session_id"`
	Indices     []uint32        `json:"indices"`
	Commitments [][]byte        `json:"commitments"`
}

// PartialSig is a signer's response scalar.
type PartialSig struct {
	SessionID ident.SessionID `json:"session_id"`
	Signer    ident.DeviceID  `json:"signer"`
	Partial   []byte          `json:"partial"`
}

// AttestedResult closes the session for signers and observers alike.
// It never names the signers; SignerCount is all that leaves the
// ceremony.
type AttestedResult struct {
	SessionID   ident.SessionID  `json:"session_id"`
	Attested    *tree.AttestedOp `json:"attested,omitempty"`
	Success     bool             `json:"success"`
	SignerCount uint16           `json:"signer_count"`
}

// Ceremony errors.
var (
	ErrSessionMismatch  = errors.New("message for a different session")
	ErrCeremonyTerminal = errors.New("ceremony already finished")
	ErrDuplicateCommit  = errors.New("duplicate nonce commitment")
	ErrUnknownSigner    = errors.New("signer not in ceremony roster")
)

type ceremonyPhase int

const (
	phaseCommitments ceremonyPhase = iota
	phasePartials
	phaseDone
	phaseFailed
)

// Signer names one roster entry: the device, its share index, and its
// public share for partial verification.
type Signer struct {
	Device ident.DeviceID
	Index  uint32
	Public frost.PublicShare
}

// Coordinator runs the coordinator side of one ceremony session. All
// methods are driven by the account lane; timeouts arrive via Fail.
type Coordinator struct {
	session   ident.SessionID
	binding   tree.ParentBinding
	op        tree.TreeOp
	msg       []byte
	threshold int
	groupKey  []byte
	roster    map[ident.DeviceID]Signer

	phase       ceremonyPhase
	commits     map[ident.DeviceID]NonceCommit
	excluded    map[ident.DeviceID]bool
	participant []ident.DeviceID
	indices     []uint32
	aggNonce    []byte
	partials    map[ident.DeviceID][]byte
}

// NewCoordinator opens a session for the given operation under the
// group key.
func NewCoordinator(session ident.SessionID, binding tree.ParentBinding, op tree.TreeOp, roster []Signer, threshold int, groupKey []byte) (*Coordinator, error) {
	if threshold < 1 || threshold > len(roster) {
		return nil, fmt.Errorf("threshold %d out of range for %d signers", threshold, len(roster))
	}
	msg, err := tree.SigningMessage(binding, &op)
	if err != nil {
		return nil, err
	}
	byDevice := make(map[ident.DeviceID]Signer, len(roster))
	for _, s := range roster {
		byDevice[s.Device] = s
	}
	return &Coordinator{
		session:   session,
		binding:   binding,
		op:        op,
		msg:       msg,
		threshold: threshold,
		groupKey:  groupKey,
		roster:    byDevice,
		phase:     phaseCommitments,
		commits:   make(map[ident.DeviceID]NonceCommit),
		excluded:  make(map[ident.DeviceID]bool),
		partials:  make(map[ident.DeviceID][]byte),
	}, nil
}

// Request builds the SignRequest sent to every signer.
func (c *Coordinator) Request() SignRequest {
	return SignRequest{
		SessionID: c.session,
		Binding:   c.binding,
		Op:        c.op,
		Threshold: c.threshold,
	}
}

// HandleCommit takes one nonce commitment. When a threshold of
// commitments is in, it returns the challenge broadcast; until then
// the broadcast is nil.
func (c *Coordinator) HandleCommit(commit NonceCommit) (*ChallengeBroadcast, error) {
	if commit.SessionID != c.session {
		return nil, ErrSessionMismatch
	}
	if c.phase == phaseDone || c.phase == phaseFailed {
		return nil, ErrCeremonyTerminal
	}
	if c.phase != phaseCommitments {
		// Late commitments after the participating set is fixed are
		// dropped; the set cannot grow mid-session.
		return nil, nil
	}
	signer, ok := c.roster[commit.Signer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, commit.Signer.Short())
	}
	if c.excluded[commit.Signer] {
		return nil, nil
	}
	if prev, ok := c.commits[commit.Signer]; ok {
		if bytes.Equal(prev.Commitment, commit.Commitment) {
			return nil, fmt.Errorf("%w from %s", ErrDuplicateCommit, commit.Signer.Short())
		}
		// Two different commitments is equivocation: exclude and
		// discard. The session survives if a threshold can still form.
		delete(c.commits, commit.Signer)
		c.excluded[commit.Signer] = true
		if len(c.roster)-len(c.excluded) < c.threshold {
			c.phase = phaseFailed
		}
		return nil, fmt.Errorf("equivocating commitment from %s", commit.Signer.Short())
	}
	if commit.Index != signer.Index {
		return nil, fmt.Errorf("signer %s claims index %d, roster says %d",
			commit.Signer.Short(), commit.Index, signer.Index)
	}
	c.commits[commit.Signer] = commit
	if len(c.commits) < c.threshold {
		return nil, nil
	}

	// Fix the participating set: the first threshold commitments, in
	// device order for determinism.
	devices := make([]ident.DeviceID, 0, len(c.commits))
	for d := range c.commits {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		return 1
	})
	c.participant = devices
	var commitments [][]byte
	for _, d := range devices {
		c.indices = append(c.indices, c.roster[d].Index)
		commitments = append(commitments, c.commits[d].Commitment)
	}
	aggNonce, err := frost.AggregateCommitments(commitments)
	if err != nil {
		c.phase = phaseFailed
		return nil, err
	}
	c.aggNonce = aggNonce
	c.phase = phasePartials
	return &ChallengeBroadcast{
		SessionID:   c.session,
		Indices:     slices.Clone(c.indices),
		Commitments: commitments,
	}, nil
}

// HandlePartial takes one partial signature. When a full set is in,
// it aggregates, verifies, and returns the result broadcast; until
// then the result is nil. A partial that fails verification fails the
// ceremony with blame attached.
func (c *Coordinator) HandlePartial(partial PartialSig) (*AttestedResult, error) {
	if partial.SessionID != c.session {
		return nil, ErrSessionMismatch
	}
	if c.phase == phaseDone || c.phase == phaseFailed {
		return nil, ErrCeremonyTerminal
	}
	if c.phase != phasePartials {
		return nil, fmt.Errorf("partial before challenge broadcast")
	}
	if !slices.Contains(c.participant, partial.Signer) {
		return nil, fmt.Errorf("%w: %s not in participating set", ErrUnknownSigner, partial.Signer.Short())
	}
	if _, ok := c.partials[partial.Signer]; ok {
		return nil, nil
	}

	challenge, err := frost.Challenge(c.aggNonce, c.groupKey, c.msg)
	if err != nil {
		c.phase = phaseFailed
		return nil, err
	}
	signer := c.roster[partial.Signer]
	if err := frost.VerifyPartial(signer.Public, c.commits[partial.Signer].Commitment, challenge, c.indices, partial.Partial); err != nil {
		c.phase = phaseFailed
		return nil, fmt.Errorf("ceremony failed: %w", err)
	}
	c.partials[partial.Signer] = partial.Partial
	if len(c.partials) < len(c.participant) {
		return nil, nil
	}

	ordered := make([][]byte, 0, len(c.participant))
	for _, d := range c.participant {
		ordered = append(ordered, c.partials[d])
	}
	sig, err := frost.Aggregate(c.aggNonce, ordered)
	if err != nil {
		c.phase = phaseFailed
		return nil, err
	}
	if !ed25519consensus.Verify(c.groupKey, c.msg, sig) {
		c.phase = phaseFailed
		return nil, errors.New("aggregate signature does not verify under the group key")
	}

	c.phase = phaseDone
	return &AttestedResult{
		SessionID: c.session,
		Attested: &tree.AttestedOp{
			Op:          c.op,
			Binding:     c.binding,
			AggSig:      sig,
			SignerCount: uint16(len(c.participant)),
		},
		Success:     true,
		SignerCount: uint16(len(c.participant)),
	}, nil
}

// Fail marks the ceremony failed. Phase timeouts are fatal; the lane
// calls this when its ceremony timer fires and must never reuse the
// session ID.
func (c *Coordinator) Fail() *AttestedResult {
	if c.phase == phaseDone {
		return nil
	}
	c.phase = phaseFailed
	return &AttestedResult{SessionID: c.session, Success: false}
}

// Done reports whether the ceremony reached a terminal phase.
func (c *Coordinator) Done() bool {
	return c.phase == phaseDone || c.phase == phaseFailed
}

// SignerSession is the signer side of one ceremony session.
type SignerSession struct {
	session   ident.SessionID
	device    ident.DeviceID
	share     frost.Share
	msg       []byte
	nonce     *frost.Nonce
	groupKey  []byte
	responded bool
}

// NewSignerSession validates the request and produces the signer's
// nonce commitment.
func NewSignerSession(random io.Reader, device ident.DeviceID, share frost.Share, groupKey []byte, req SignRequest) (*SignerSession, NonceCommit, error) {
	msg, err := tree.SigningMessage(req.Binding, &req.Op)
	if err != nil {
		return nil, NonceCommit{}, err
	}
	nonce, err := frost.NewNonce(random)
	if err != nil {
		return nil, NonceCommit{}, err
	}
	s := &SignerSession{
		session:  req.SessionID,
		device:   device,
		share:    share,
		msg:      msg,
		nonce:    nonce,
		groupKey: groupKey,
	}
	return s, NonceCommit{
		SessionID:  req.SessionID,
		Signer:     device,
		Index:      share.Index,
		Commitment: nonce.Commitment(),
	}, nil
}

// HandleChallenge computes the signer's partial for the announced
// participating set. A session responds at most once; the nonce is
// burned either way.
func (s *SignerSession) HandleChallenge(cb ChallengeBroadcast) (PartialSig, error) {
	if cb.SessionID != s.session {
		return PartialSig{}, ErrSessionMismatch
	}
	if s.responded {
		return PartialSig{}, fmt.Errorf("session %s already responded", s.session.Short())
	}
	if !slices.Contains(cb.Indices, s.share.Index) {
		return PartialSig{}, fmt.Errorf("signer index %d not in participating set", s.share.Index)
	}
	s.responded = true

	aggNonce, err := frost.AggregateCommitments(cb.Commitments)
	if err != nil {
		return PartialSig{}, err
	}
	challenge, err := frost.Challenge(aggNonce, s.groupKey, s.msg)
	if err != nil {
		return PartialSig{}, err
	}
	partial, err := frost.PartialSign(s.share, s.nonce, challenge, cb.Indices)
	if err != nil {
		return PartialSig{}, err
	}
	return PartialSig{SessionID: s.session, Signer: s.device, Partial: partial}, nil
}
