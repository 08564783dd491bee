// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/aura-foundation/aura/consensus"
	"github.com/aura-foundation/aura/lib/clock"
	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/frost"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/intent"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/keystore"
	"github.com/aura-foundation/aura/lib/tree"
)

// Message is the ceremony wire envelope. Exactly one field is set; the
// canonical CBOR encoding is what Send carries and Deliver accepts.
type Message struct {
	Request   *consensus.SignRequest        `json:"request,omitempty"`
	Commit    *consensus.NonceCommit        `json:"commit,omitempty"`
	Challenge *consensus.ChallengeBroadcast `json:"challenge,omitempty"`
	Partial   *consensus.PartialSig         `json:"partial,omitempty"`
	Result    *consensus.AttestedResult     `json:"result,omitempty"`
}

// EncodeMessage returns the canonical encoding of a ceremony message.
func EncodeMessage(msg Message) ([]byte, error) {
	return codec.Marshal(msg)
}

// Deliver hands the lane a ceremony message received from a peer. It
// never blocks on processing; the message is enqueued and handled on
// the lane goroutine.
func (l *Lane) Deliver(from ident.DeviceID, payload []byte) {
	l.postAsync(&deliverCmd{from: from, payload: payload})
}

type deliverCmd struct {
	from    ident.DeviceID
	payload []byte
}

func (c *deliverCmd) execute(l *Lane) {
	var msg Message
	if err := codec.Unmarshal(c.payload, &msg); err != nil {
		l.log.Warn("undecodable ceremony message", "from", c.from.Short(), "error", err)
		return
	}
	l.dispatch(c.from, msg)
}

func (c *deliverCmd) abort() {}

func (l *Lane) dispatch(from ident.DeviceID, msg Message) {
	switch {
	case msg.Request != nil:
		l.handleSignRequest(from, *msg.Request)
	case msg.Commit != nil:
		l.handleNonceCommit(*msg.Commit)
	case msg.Challenge != nil:
		l.handleChallenge(*msg.Challenge)
	case msg.Partial != nil:
		l.handlePartial(*msg.Partial)
	case msg.Result != nil:
		l.handleResult(*msg.Result)
	default:
		l.log.Warn("empty ceremony message", "from", from.Short())
	}
}

// sendTo routes a ceremony message. Messages to this device short
// circuit through the dispatcher without leaving the lane goroutine.
func (l *Lane) sendTo(peer ident.DeviceID, msg Message) {
	if peer == l.cfg.Device {
		l.dispatch(peer, msg)
		return
	}
	if l.cfg.Send == nil {
		return
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		l.log.Error("encoding ceremony message", "error", err)
		return
	}
	l.cfg.Send(peer, payload)
}

// BatchResult reports what StartBatch admitted and who drives it.
type BatchResult struct {
	Admitted   int
	Instigator ident.DeviceID
	// Local is true when this device is the instigator and has begun
	// running ceremonies for the batch.
	Local bool
}

// StartBatch ranks the pool against the current root and, if this
// device is the instigator, begins the batch's ceremonies. Ceremonies
// run one at a time: each commit moves the root, so the remainder of
// the batch is re-validated before every start.
func (l *Lane) StartBatch(ctx context.Context) (BatchResult, error) {
	cmd := &batchCmd{reply: make(chan BatchResult, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return BatchResult{}, err
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

type batchCmd struct {
	reply chan BatchResult
}

func (c *batchCmd) execute(l *Lane) {
	root := l.state.RootCommitment()
	batch := l.pool.RankAndPick(root, l.cfg.BatchCapacity)
	if len(batch) == 0 {
		c.reply <- BatchResult{}
		return
	}
	instigator, ok := intent.Instigator(batch, l.onlineDevices())
	if !ok || instigator != l.cfg.Device {
		c.reply <- BatchResult{Admitted: len(batch), Instigator: instigator}
		return
	}
	l.batch = l.batch[:0]
	for _, in := range batch {
		l.batch = append(l.batch, in.IntentID)
	}
	if len(l.ceremonies) == 0 {
		l.startNextCeremony()
	}
	c.reply <- BatchResult{Admitted: len(batch), Instigator: instigator, Local: true}
}

func (c *batchCmd) abort() { c.reply <- BatchResult{} }

// startNextCeremony pops batch entries until one is still live and
// drafted against the current root, then opens its ceremony.
func (l *Lane) startNextCeremony() {
	root := l.state.RootCommitment()
	for len(l.batch) > 0 {
		id := l.batch[0]
		l.batch = l.batch[1:]
		in, ok := l.pool.Get(id)
		if !ok {
			continue
		}
		if in.SnapshotCommitment != root {
			// Stale: drafted against a root a previous commit moved.
			// The ranker will skip it until a retraction arrives.
			continue
		}
		l.startCeremony(in)
		return
	}
}

// ceremonyRun is one in-flight ceremony on the coordinator side,
// paired with the consensus instance that tracks its fast and
// fallback paths.
type ceremonyRun struct {
	session  ident.SessionID
	intentID ident.IntentID

	coordinator *consensus.Coordinator
	instance    *consensus.Instance
	request     consensus.SignRequest

	prestate ident.Hash32
	msgHash  ident.Hash32

	witnesses     []ident.DeviceID
	deviceByIndex map[uint32]ident.DeviceID
	commitsSeen   map[ident.DeviceID][]byte

	sig    []byte
	result *consensus.AttestedResult

	fastTimer     *clock.Timer
	ceremonyTimer *clock.Timer
}

func (r *ceremonyRun) stopTimers() {
	if r.fastTimer != nil {
		r.fastTimer.Stop()
	}
	if r.ceremonyTimer != nil {
		r.ceremonyTimer.Stop()
	}
}

// signerRun is one in-flight ceremony on the signer side. The commit
// is retained so a solicited re-request can be answered without
// burning a second nonce.
type signerRun struct {
	session     *consensus.SignerSession
	coordinator ident.DeviceID
	commit      consensus.NonceCommit
}

// witnessesFor selects the ceremony roster for an operation: the
// configured signers whose device currently holds a leaf of the role
// the operation's kind demands.
func (l *Lane) witnessesFor(privileged bool) ([]consensus.Signer, int, error) {
	role := tree.RoleDevice
	threshold := l.state.Policy.Threshold
	if privileged {
		role = tree.RoleGuardian
		threshold = l.state.Policy.GuardianThreshold
	}
	eligible := make(map[ident.DeviceID]bool)
	for _, leaf := range l.state.LeavesByRole(role) {
		eligible[leaf.DeviceID] = true
	}
	var witnesses []consensus.Signer
	for _, s := range l.cfg.Roster {
		if eligible[s.Device] {
			witnesses = append(witnesses, s)
		}
	}
	if threshold < 1 || threshold > len(witnesses) {
		return nil, 0, fmt.Errorf("threshold %d unreachable with %d %s witnesses",
			threshold, len(witnesses), role)
	}
	return witnesses, threshold, nil
}

func (l *Lane) startCeremony(in intent.Intent) {
	binding := l.state.Binding()
	witnesses, threshold, err := l.witnessesFor(in.Op.Kind.Privileged())
	if err != nil {
		l.record(ident.Zero, "ceremony_not_started", err.Error())
		l.pool.Retract(in.IntentID, intent.RetractFailed)
		l.startNextCeremony()
		return
	}
	session, err := ident.NewID(l.cfg.Random)
	if err != nil {
		l.record(ident.Zero, "ceremony_not_started", err.Error())
		return
	}
	co, err := consensus.NewCoordinator(session, binding, in.Op, witnesses, threshold, l.state.GroupKey)
	if err != nil {
		l.record(session, "ceremony_not_started", err.Error())
		l.pool.Retract(in.IntentID, intent.RetractFailed)
		l.startNextCeremony()
		return
	}
	opBytes, err := in.Op.CanonicalBytes()
	if err != nil {
		l.record(session, "ceremony_not_started", err.Error())
		return
	}
	msg, err := tree.SigningMessage(binding, &in.Op)
	if err != nil {
		l.record(session, "ceremony_not_started", err.Error())
		return
	}

	run := &ceremonyRun{
		session:       session,
		intentID:      in.IntentID,
		coordinator:   co,
		request:       co.Request(),
		prestate:      binding.ParentCommitment,
		msgHash:       ident.HashOp(msg),
		deviceByIndex: make(map[uint32]ident.DeviceID, len(witnesses)),
		commitsSeen:   make(map[ident.DeviceID][]byte),
	}
	devices := make([]ident.DeviceID, 0, len(witnesses))
	for _, w := range witnesses {
		devices = append(devices, w.Device)
		run.deviceByIndex[w.Index] = w.Device
	}
	run.witnesses = devices
	run.instance = consensus.New(run.prestate, opBytes, func([][]byte) ([]byte, error) {
		if run.sig == nil {
			return nil, errors.New("aggregate signature not yet produced")
		}
		return run.sig, nil
	})
	if _, err := run.instance.Step(consensus.Propose{
		Witnesses: devices,
		Threshold: threshold,
		Initiator: l.cfg.Device,
	}); err != nil {
		l.record(session, "ceremony_not_started", err.Error())
		return
	}
	run.fastTimer = l.clk.AfterFunc(l.cfg.FastPathTimeout, func() {
		l.postAsync(&fallbackCmd{session: session})
	})
	run.ceremonyTimer = l.clk.AfterFunc(l.cfg.CeremonyTimeout, func() {
		l.postAsync(&timeoutCmd{session: session})
	})
	l.ceremonies[session] = run
	l.log.Info("ceremony started",
		"session", session.Short(), "intent", in.IntentID.Short(),
		"kind", in.Op.Kind, "witnesses", len(devices), "threshold", threshold)

	req := run.request
	for _, device := range devices {
		l.sendTo(device, Message{Request: &req})
	}
}

func (l *Lane) handleSignRequest(from ident.DeviceID, req consensus.SignRequest) {
	if sr, ok := l.signers[req.SessionID]; ok {
		// A solicited re-request; answer with the original commitment.
		commit := sr.commit
		l.sendTo(sr.coordinator, Message{Commit: &commit})
		return
	}
	groupKey := l.state.GroupKey
	if len(groupKey) == 0 {
		l.record(req.SessionID, "sign_request_declined", "state has no group key")
		return
	}
	stored, ok := l.cfg.Keys.ShareFor(groupKey)
	if !ok {
		l.record(req.SessionID, "sign_request_declined", "no share for current group key")
		return
	}
	share, err := shareFromStored(stored)
	if err != nil {
		l.record(req.SessionID, "sign_request_declined", err.Error())
		return
	}
	ss, commit, err := consensus.NewSignerSession(l.cfg.Random, l.cfg.Device, share, groupKey, req)
	if err != nil {
		l.record(req.SessionID, "sign_request_declined", err.Error())
		return
	}
	l.signers[req.SessionID] = &signerRun{session: ss, coordinator: from, commit: commit}
	l.sendTo(from, Message{Commit: &commit})
}

func (l *Lane) handleNonceCommit(commit consensus.NonceCommit) {
	run, ok := l.ceremonies[commit.SessionID]
	if !ok {
		l.log.Debug("commitment for unknown ceremony", "session", commit.SessionID.Short())
		return
	}
	if prev, seen := run.commitsSeen[commit.Signer]; seen && !bytes.Equal(prev, commit.Commitment) {
		l.noteEquivocation(run, commit.Signer)
	} else if !seen {
		run.commitsSeen[commit.Signer] = commit.Commitment
	}
	cb, err := run.coordinator.HandleCommit(commit)
	if err != nil {
		l.log.Debug("commitment rejected", "session", commit.SessionID.Short(), "error", err)
		if run.coordinator.Done() {
			l.failCeremony(run, err.Error())
		}
		return
	}
	if cb == nil {
		return
	}
	for _, index := range cb.Indices {
		device, ok := run.deviceByIndex[index]
		if !ok {
			continue
		}
		l.sendTo(device, Message{Challenge: cb})
	}
}

func (l *Lane) handleChallenge(cb consensus.ChallengeBroadcast) {
	sr, ok := l.signers[cb.SessionID]
	if !ok {
		l.log.Debug("challenge for unknown session", "session", cb.SessionID.Short())
		return
	}
	partial, err := sr.session.HandleChallenge(cb)
	if err != nil {
		l.log.Debug("challenge not answered", "session", cb.SessionID.Short(), "error", err)
		return
	}
	l.sendTo(sr.coordinator, Message{Partial: &partial})
}

func (l *Lane) handlePartial(partial consensus.PartialSig) {
	run, ok := l.ceremonies[partial.SessionID]
	if !ok {
		l.log.Debug("partial for unknown ceremony", "session", partial.SessionID.Short())
		return
	}
	res, err := run.coordinator.HandlePartial(partial)
	if err != nil {
		if run.coordinator.Done() {
			l.failCeremony(run, err.Error())
		} else {
			l.log.Debug("partial rejected", "session", partial.SessionID.Short(), "error", err)
		}
		return
	}
	if res != nil && res.Success {
		run.sig = res.Attested.AggSig
		run.result = res
	}
	out, err := run.instance.Step(consensus.Share{
		Witness:      partial.Signer,
		ShareData:    partial.Partial,
		PrestateHash: run.prestate,
		DataBinding:  run.msgHash,
	})
	if err != nil {
		l.log.Debug("share not tallied", "session", partial.SessionID.Short(), "error", err)
		return
	}
	for _, w := range out.Equivocators {
		l.revocations[w] = true
	}
	if out.Commit != nil {
		l.finalizeCommit(run, out.Commit)
	}
}

func (l *Lane) handleResult(res consensus.AttestedResult) {
	delete(l.signers, res.SessionID)
	if _, ours := l.ceremonies[res.SessionID]; ours {
		// The coordinator finalizes through its own commit path.
		return
	}
	if !res.Success {
		l.record(res.SessionID, "ceremony_failed", "coordinator reported failure")
		return
	}
	if res.Attested == nil {
		return
	}
	if _, _, err := l.insertFact(journal.Content{Kind: journal.KindAttestedOp, AttestedOp: res.Attested}); err != nil {
		l.log.Error("storing attested result", "session", res.SessionID.Short(), "error", err)
		return
	}
	l.retractCommitted(res.Attested)
}

// retractCommitted tombstones every live intent proposing the
// operation that just committed.
func (l *Lane) retractCommitted(attested *tree.AttestedOp) {
	digest, err := attested.Op.Digest()
	if err != nil {
		return
	}
	for _, in := range l.pool.Live() {
		d, err := in.Op.Digest()
		if err != nil {
			continue
		}
		if d == digest {
			l.pool.Retract(in.IntentID, intent.RetractCommitted)
		}
	}
}

// noteEquivocation feeds an observed equivocation into the consensus
// instance and queues the witness for capability revocation.
func (l *Lane) noteEquivocation(run *ceremonyRun, witness ident.DeviceID) {
	l.record(run.session, "equivocation", witness.Short())
	out, err := run.instance.Step(consensus.Equivocation{Witness: witness})
	if err != nil {
		l.log.Debug("equivocation not recorded", "session", run.session.Short(), "error", err)
	}
	for _, w := range out.Equivocators {
		l.revocations[w] = true
	}
	if run.instance.State() == consensus.StateFailed {
		l.failCeremony(run, "equivocation made the threshold unreachable")
	}
}

func (l *Lane) finalizeCommit(run *ceremonyRun, commit *consensus.CommitFact) {
	run.stopTimers()
	delete(l.ceremonies, run.session)
	delete(l.signers, run.session)

	attested := run.result.Attested
	if _, _, err := l.insertFact(journal.Content{Kind: journal.KindAttestedOp, AttestedOp: attested}); err != nil {
		l.record(run.session, "commit_not_stored", err.Error())
		return
	}
	payload, err := codec.Marshal(commit)
	if err == nil {
		if _, _, err := l.insertFact(journal.Content{
			Kind:       journal.KindRelational,
			Relational: &journal.Relational{Kind: journal.RelConsensus, Payload: payload},
		}); err != nil {
			l.log.Error("storing consensus commit fact", "error", err)
		}
	}
	l.pool.Retract(run.intentID, intent.RetractCommitted)

	result := *run.result
	for _, device := range run.witnesses {
		if device != l.cfg.Device {
			l.sendTo(device, Message{Result: &result})
		}
	}
	l.log.Info("operation committed",
		"session", run.session.Short(), "cid", commit.CID.Short(),
		"signer_count", run.result.SignerCount, "epoch", l.state.Epoch)

	l.startNextCeremony()
}

// failCeremony closes a ceremony without a commit: telemetry, intent
// tombstone, failure broadcast. The session ID is dead from here on.
func (l *Lane) failCeremony(run *ceremonyRun, detail string) {
	if _, ok := l.ceremonies[run.session]; !ok {
		return
	}
	run.stopTimers()
	delete(l.ceremonies, run.session)
	delete(l.signers, run.session)
	l.record(run.session, "ceremony_failed", detail)
	l.pool.Retract(run.intentID, intent.RetractFailed)
	if res := run.coordinator.Fail(); res != nil {
		for _, device := range run.witnesses {
			if device != l.cfg.Device {
				l.sendTo(device, Message{Result: res})
			}
		}
	}
	l.startNextCeremony()
}

type fallbackCmd struct {
	session ident.SessionID
}

func (c *fallbackCmd) execute(l *Lane) {
	run, ok := l.ceremonies[c.session]
	if !ok {
		return
	}
	out, err := run.instance.Step(consensus.FallbackTimerFired{})
	if err != nil {
		return
	}
	if len(out.SolicitShares) == 0 {
		return
	}
	l.log.Info("fast path expired, soliciting shares",
		"session", c.session.Short(), "missing", len(out.SolicitShares))
	req := run.request
	for _, device := range out.SolicitShares {
		l.sendTo(device, Message{Request: &req})
	}
}

func (c *fallbackCmd) abort() {}

type timeoutCmd struct {
	session ident.SessionID
}

func (c *timeoutCmd) execute(l *Lane) {
	run, ok := l.ceremonies[c.session]
	if !ok {
		return
	}
	if run.coordinator.Done() {
		return
	}
	l.failCeremony(run, "ceremony timeout")
}

func (c *timeoutCmd) abort() {}

// shareFromStored rehydrates a keystore share into the scalar form the
// signing arithmetic uses.
func shareFromStored(stored keystore.StoredShare) (frost.Share, error) {
	scalar, err := edwards25519.NewScalar().SetCanonicalBytes(stored.Secret)
	if err != nil {
		return frost.Share{}, fmt.Errorf("decoding stored share: %w", err)
	}
	return frost.Share{Index: stored.Index, Secret: scalar}, nil
}
