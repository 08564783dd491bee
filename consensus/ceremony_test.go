// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/hdevalence/ed25519consensus"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/frost"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/tree"
)

// ceremonyFixture is a dealt account: n devices with shares and a
// tree state whose group key matches the dealt key.
type ceremonyFixture struct {
	keygen  *frost.Keygen
	devices []ident.DeviceID
	roster  []Signer
	state   *tree.State
}

func newFixture(t *testing.T, threshold, total int) *ceremonyFixture {
	t.Helper()
	kg, err := frost.Deal(rand.Reader, threshold, total)
	if err != nil {
		t.Fatalf("dealing: %v", err)
	}
	f := &ceremonyFixture{keygen: kg}
	state := tree.NewState()
	state.GroupKey = kg.GroupKey
	state.Policy = tree.Policy{Threshold: threshold, GuardianThreshold: threshold}
	for i := range total {
		id, err := ident.NewID(rand.Reader)
		if err != nil {
			t.Fatalf("generating device id: %v", err)
		}
		f.devices = append(f.devices, id)
		f.roster = append(f.roster, Signer{
			Device: id,
			Index:  kg.Shares[i].Index,
			Public: kg.PublicShares[i],
		})
		state.Leaves[tree.LeafID(i+1)] = tree.LeafNode{
			LeafID:   tree.LeafID(i + 1),
			Role:     tree.RoleDevice,
			DeviceID: id,
		}
		state.NextLeafID = tree.LeafID(total + 1)
	}
	f.state = state
	return f
}

func (f *ceremonyFixture) shareFor(device ident.DeviceID) frost.Share {
	for i, d := range f.devices {
		if d == device {
			return f.keygen.Shares[i]
		}
	}
	panic("unknown device")
}

func testSession(t *testing.T) ident.SessionID {
	t.Helper()
	id, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating session id: %v", err)
	}
	return id
}

func addLeafOp(t *testing.T) tree.TreeOp {
	t.Helper()
	device, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating device id: %v", err)
	}
	return tree.TreeOp{
		Kind: tree.OpAddLeaf,
		Leaf: &tree.LeafNode{Role: tree.RoleDevice, DeviceID: device},
	}
}

// runCeremony drives the full five phases with the given signers.
func runCeremony(t *testing.T, f *ceremonyFixture, signers []ident.DeviceID, op tree.TreeOp, threshold int) *AttestedResult {
	t.Helper()
	session := testSession(t)
	coord, err := NewCoordinator(session, f.state.Binding(), op, f.roster, threshold, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	req := coord.Request()

	sessions := make(map[ident.DeviceID]*SignerSession)
	var broadcast *ChallengeBroadcast
	for _, device := range signers {
		ss, commit, err := NewSignerSession(rand.Reader, device, f.shareFor(device), f.keygen.GroupKey, req)
		if err != nil {
			t.Fatalf("signer session for %s: %v", device.Short(), err)
		}
		sessions[device] = ss
		cb, err := coord.HandleCommit(commit)
		if err != nil {
			t.Fatalf("commit from %s: %v", device.Short(), err)
		}
		if cb != nil {
			broadcast = cb
		}
	}
	if broadcast == nil {
		t.Fatal("no challenge broadcast after all commitments")
	}

	var result *AttestedResult
	for _, device := range signers {
		ss := sessions[device]
		partial, err := ss.HandleChallenge(*broadcast)
		if err != nil {
			// Signers outside the fixed participating set are expected
			// to bow out.
			continue
		}
		res, err := coord.HandlePartial(partial)
		if err != nil {
			t.Fatalf("partial from %s: %v", device.Short(), err)
		}
		if res != nil {
			result = res
		}
	}
	if result == nil {
		t.Fatal("ceremony produced no result")
	}
	return result
}

// Two-device account under 2-of-2 adds a third device: one attested
// op, signer count two, no identities in the result, and the op
// applies to the state.
func TestTwoOfTwoAddsThirdDevice(t *testing.T) {
	f := newFixture(t, 2, 2)
	op := addLeafOp(t)

	result := runCeremony(t, f, f.devices, op, 2)
	if !result.Success || result.Attested == nil {
		t.Fatal("ceremony did not succeed")
	}
	if result.SignerCount != 2 || result.Attested.SignerCount != 2 {
		t.Errorf("signer count = %d/%d, want 2", result.SignerCount, result.Attested.SignerCount)
	}

	// No signer identity appears anywhere in the encoded result.
	encoded, err := codec.Marshal(result)
	if err != nil {
		t.Fatalf("encoding result: %v", err)
	}
	for _, device := range f.devices {
		if bytes.Contains(encoded, device[:]) {
			t.Error("signer identity leaked in the attested result")
		}
	}

	if err := f.state.Apply(result.Attested); err != nil {
		t.Fatalf("applying attested op: %v", err)
	}
	if len(f.state.Leaves) != 3 {
		t.Errorf("applied state has %d leaves, want 3", len(f.state.Leaves))
	}
}

func TestAnySubsetOfRosterSigns(t *testing.T) {
	f := newFixture(t, 2, 3)
	op := addLeafOp(t)
	msg, err := tree.SigningMessage(f.state.Binding(), &op)
	if err != nil {
		t.Fatalf("building message: %v", err)
	}

	subsets := [][]ident.DeviceID{
		{f.devices[0], f.devices[1]},
		{f.devices[0], f.devices[2]},
		{f.devices[1], f.devices[2]},
	}
	for _, subset := range subsets {
		result := runCeremony(t, f, subset, op, 2)
		if !ed25519consensus.Verify(f.keygen.GroupKey, msg, result.Attested.AggSig) {
			t.Errorf("signature from subset does not verify")
		}
	}
}

func TestSessionMismatchRejected(t *testing.T) {
	f := newFixture(t, 2, 2)
	coord, err := NewCoordinator(testSession(t), f.state.Binding(), addLeafOp(t), f.roster, 2, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	commit := NonceCommit{
		SessionID:  testSession(t),
		Signer:     f.devices[0],
		Index:      1,
		Commitment: bytes.Repeat([]byte{1}, 32),
	}
	if _, err := coord.HandleCommit(commit); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("foreign-session commit: err=%v, want ErrSessionMismatch", err)
	}
}

func TestDuplicateCommitmentRejected(t *testing.T) {
	f := newFixture(t, 2, 3)
	coord, err := NewCoordinator(testSession(t), f.state.Binding(), addLeafOp(t), f.roster, 2, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	_, commit, err := NewSignerSession(rand.Reader, f.devices[0], f.shareFor(f.devices[0]), f.keygen.GroupKey, coord.Request())
	if err != nil {
		t.Fatalf("signer session: %v", err)
	}
	if _, err := coord.HandleCommit(commit); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := coord.HandleCommit(commit); !errors.Is(err, ErrDuplicateCommit) {
		t.Errorf("resent commit: err=%v, want ErrDuplicateCommit", err)
	}
	if coord.Done() {
		t.Error("exact duplicate failed the ceremony")
	}
}

func TestEquivocatingCommitmentExcludes(t *testing.T) {
	f := newFixture(t, 2, 3)
	coord, err := NewCoordinator(testSession(t), f.state.Binding(), addLeafOp(t), f.roster, 2, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	req := coord.Request()
	_, commit, err := NewSignerSession(rand.Reader, f.devices[0], f.shareFor(f.devices[0]), f.keygen.GroupKey, req)
	if err != nil {
		t.Fatalf("signer session: %v", err)
	}
	if _, err := coord.HandleCommit(commit); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// The same signer sends a second, different commitment.
	forged := commit
	forged.Commitment = bytes.Repeat([]byte{0x42}, 32)
	if _, err := coord.HandleCommit(forged); err == nil {
		t.Fatal("equivocating commitment accepted")
	}
	if coord.Done() {
		t.Fatal("ceremony failed with threshold still reachable")
	}

	// The remaining two signers can still finish.
	var broadcast *ChallengeBroadcast
	sessions := make(map[ident.DeviceID]*SignerSession)
	for _, device := range f.devices[1:] {
		ss, c, err := NewSignerSession(rand.Reader, device, f.shareFor(device), f.keygen.GroupKey, req)
		if err != nil {
			t.Fatalf("signer session: %v", err)
		}
		sessions[device] = ss
		cb, err := coord.HandleCommit(c)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if cb != nil {
			broadcast = cb
		}
	}
	if broadcast == nil {
		t.Fatal("no challenge broadcast after honest threshold")
	}
	var result *AttestedResult
	for _, device := range f.devices[1:] {
		partial, err := sessions[device].HandleChallenge(*broadcast)
		if err != nil {
			t.Fatalf("challenge: %v", err)
		}
		res, err := coord.HandlePartial(partial)
		if err != nil {
			t.Fatalf("partial: %v", err)
		}
		if res != nil {
			result = res
		}
	}
	if result == nil || !result.Success {
		t.Fatal("ceremony did not recover from the excluded signer")
	}
}

func TestTimeoutIsFatal(t *testing.T) {
	f := newFixture(t, 2, 2)
	coord, err := NewCoordinator(testSession(t), f.state.Binding(), addLeafOp(t), f.roster, 2, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	result := coord.Fail()
	if result == nil || result.Success || result.Attested != nil {
		t.Fatal("failed ceremony did not broadcast a failure result")
	}
	if !coord.Done() {
		t.Fatal("failed ceremony not terminal")
	}

	_, commit, err := NewSignerSession(rand.Reader, f.devices[0], f.shareFor(f.devices[0]), f.keygen.GroupKey, coord.Request())
	if err != nil {
		t.Fatalf("signer session: %v", err)
	}
	if _, err := coord.HandleCommit(commit); !errors.Is(err, ErrCeremonyTerminal) {
		t.Errorf("commit after failure: err=%v, want ErrCeremonyTerminal", err)
	}
}

func TestSignerRespondsOnce(t *testing.T) {
	f := newFixture(t, 2, 2)
	coord, err := NewCoordinator(testSession(t), f.state.Binding(), addLeafOp(t), f.roster, 2, f.keygen.GroupKey)
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	req := coord.Request()

	var broadcast *ChallengeBroadcast
	sessions := make([]*SignerSession, 0, 2)
	for _, device := range f.devices {
		ss, c, err := NewSignerSession(rand.Reader, device, f.shareFor(device), f.keygen.GroupKey, req)
		if err != nil {
			t.Fatalf("signer session: %v", err)
		}
		sessions = append(sessions, ss)
		cb, err := coord.HandleCommit(c)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if cb != nil {
			broadcast = cb
		}
	}
	if _, err := sessions[0].HandleChallenge(*broadcast); err != nil {
		t.Fatalf("first challenge: %v", err)
	}
	if _, err := sessions[0].HandleChallenge(*broadcast); err == nil {
		t.Error("signer session responded twice for one nonce")
	}
}
