// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aura-foundation/aura/consensus"
	"github.com/aura-foundation/aura/lib/clock"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/intent"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/keystore"
	"github.com/aura-foundation/aura/lib/relkey"
	"github.com/aura-foundation/aura/lib/tree"
)

// Defaults for the tunable lane parameters.
const (
	DefaultFastPathTimeout   = 2 * time.Second
	DefaultCeremonyTimeout   = 30 * time.Second
	DefaultMaxPendingIntents = 64
	DefaultBatchCapacity     = 8
)

// MetaWrapPublic is the leaf metadata key carrying the hex-encoded
// HPKE public key relationship key records are sealed to.
const MetaWrapPublic = "wrap_public"

// ErrStopped is returned by lane methods once Run has exited.
var ErrStopped = errors.New("account lane stopped")

// Config wires a lane to its account, device, and surroundings.
type Config struct {
	Account ident.AccountID
	Device  ident.DeviceID

	// Journal is the account's authority journal. The lane is its
	// exclusive writer.
	Journal *journal.Journal

	// Keys is the device's decrypted key bundle: signing key, static
	// X25519 key, HPKE wrap key, and threshold shares.
	Keys *keystore.Bundle

	// Roster lists every potential signer in the account: device and
	// guardian leaves alike. Ceremony witness sets are the roster
	// entries whose device currently holds a leaf of the required role.
	Roster []consensus.Signer

	Clock  clock.Clock
	Random io.Reader
	Logger *slog.Logger

	// Send delivers a ceremony message to a peer device. The lane
	// calls it from the lane goroutine; it must not block on the
	// peer's processing. Nil drops all outbound messages.
	Send func(peer ident.DeviceID, payload []byte)

	// RevokePeer revokes a peer's flow-budget capability. Called for
	// each recorded equivocator at the next policy checkpoint. Nil
	// disables revocation.
	RevokePeer func(peer ident.DeviceID)

	// FastPathTimeout is T_fast: how long a consensus instance waits
	// on the fast path before soliciting missing shares.
	FastPathTimeout time.Duration
	// CeremonyTimeout bounds a whole signing ceremony. A ceremony
	// that has not produced a result by then fails; the session ID is
	// never reused.
	CeremonyTimeout time.Duration

	MaxPendingIntents int
	BatchCapacity     int
}

// AccountState is the lane's answer to GetState: a point-in-time copy
// of the reduced tree plus pool and journal counters.
type AccountState struct {
	Account        ident.AccountID
	Epoch          uint64
	Root           ident.Hash32
	Policy         tree.Policy
	Leaves         []tree.LeafNode
	GroupKey       []byte
	PendingIntents int
	Facts          int
}

// Record is one local telemetry entry. Ceremony failures land here,
// never in the journal.
type Record struct {
	At      time.Time
	Session ident.SessionID
	Event   string
	Detail  string
}

// Lane is the per-account actor. Construct with New, drive with Run,
// and interact through the exported methods; every method enqueues a
// command the lane goroutine processes in order.
type Lane struct {
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger
	pool *intent.Pool

	commands chan command
	stopped  chan struct{}

	// Everything below is owned by the Run goroutine.
	state         *tree.State
	online        map[ident.DeviceID]bool
	ceremonies    map[ident.SessionID]*ceremonyRun
	signers       map[ident.SessionID]*signerRun
	batch         []ident.IntentID
	relationships map[ident.RelationshipID]*relkey.Keys
	contexts      map[ident.RelationshipID]*journal.Journal
	subscribers   map[int]chan journal.Fact
	nextSub       int
	telemetry     []Record
	revocations   map[ident.DeviceID]bool
	held          []*tree.AttestedOp
}

// New builds a lane and reduces the journal into its starting state.
func New(cfg Config) (*Lane, error) {
	if cfg.Account.IsZero() {
		return nil, errors.New("account: config has zero account ID")
	}
	if cfg.Device.IsZero() {
		return nil, errors.New("account: config has zero device ID")
	}
	if cfg.Journal == nil {
		return nil, errors.New("account: config has no journal")
	}
	if cfg.Journal.Namespace() != journal.NamespaceAuthority {
		return nil, fmt.Errorf("account: journal namespace is %q, want %q",
			cfg.Journal.Namespace(), journal.NamespaceAuthority)
	}
	if cfg.Keys == nil {
		return nil, errors.New("account: config has no key bundle")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Random == nil {
		return nil, errors.New("account: config has no randomness source")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.FastPathTimeout <= 0 {
		cfg.FastPathTimeout = DefaultFastPathTimeout
	}
	if cfg.CeremonyTimeout <= 0 {
		cfg.CeremonyTimeout = DefaultCeremonyTimeout
	}
	if cfg.MaxPendingIntents <= 0 {
		cfg.MaxPendingIntents = DefaultMaxPendingIntents
	}
	if cfg.BatchCapacity <= 0 {
		cfg.BatchCapacity = DefaultBatchCapacity
	}

	state, report, err := cfg.Journal.ReduceTree()
	if err != nil {
		return nil, fmt.Errorf("account: reducing journal: %w", err)
	}
	logger := cfg.Logger.With("account", cfg.Account.Short(), "device", cfg.Device.Short())
	superseded := 0
	for _, outcome := range report.Outcomes {
		if outcome == tree.OutcomeSuperseded {
			superseded++
		}
	}
	if superseded > 0 {
		logger.Info("journal reduction superseded conflicting operations",
			"superseded", superseded)
	}

	return &Lane{
		cfg:           cfg,
		clk:           cfg.Clock,
		log:           logger,
		pool:          intent.NewPool(cfg.MaxPendingIntents),
		commands:      make(chan command, 64),
		stopped:       make(chan struct{}),
		state:         state,
		online:        make(map[ident.DeviceID]bool),
		ceremonies:    make(map[ident.SessionID]*ceremonyRun),
		signers:       make(map[ident.SessionID]*signerRun),
		relationships: make(map[ident.RelationshipID]*relkey.Keys),
		contexts:      make(map[ident.RelationshipID]*journal.Journal),
		subscribers:   make(map[int]chan journal.Fact),
		revocations:   make(map[ident.DeviceID]bool),
	}, nil
}

// Run processes commands until ctx is cancelled. It owns all lane
// state; nothing else may touch it while Run is live.
func (l *Lane) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.commands:
			cmd.execute(l)
		}
	}
}

func (l *Lane) shutdown() {
	close(l.stopped)
	for _, run := range l.ceremonies {
		run.stopTimers()
	}
	// Drain commands that raced the shutdown so blocked callers get
	// an answer instead of a hang.
	for {
		select {
		case cmd := <-l.commands:
			cmd.abort()
		default:
			for _, sub := range l.subscribers {
				close(sub)
			}
			l.subscribers = nil
			return
		}
	}
}

// post enqueues a command, failing once the lane has stopped.
func (l *Lane) post(ctx context.Context, cmd command) error {
	select {
	case l.commands <- cmd:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync enqueues a fire-and-forget command from timer callbacks
// and delivery paths that have no context of their own.
func (l *Lane) postAsync(cmd command) {
	select {
	case l.commands <- cmd:
	case <-l.stopped:
	}
}

// command is one unit of lane work. execute runs on the lane
// goroutine; abort answers a caller whose command arrived after
// shutdown.
type command interface {
	execute(l *Lane)
	abort()
}

// ProposeOp drafts an intent for the operation against the current
// root commitment and enqueues it in the pool. It returns the intent
// ID; the operation commits only after a later batch admits the intent
// and its ceremony completes. intent.ErrBackPressure surfaces when the
// pool is at capacity.
func (l *Lane) ProposeOp(ctx context.Context, op tree.TreeOp, span []tree.LeafID, priority uint64) (ident.IntentID, error) {
	cmd := &proposeCmd{op: op, span: span, priority: priority, reply: make(chan proposeReply, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return ident.Zero, err
	}
	select {
	case r := <-cmd.reply:
		return r.id, r.err
	case <-ctx.Done():
		return ident.Zero, ctx.Err()
	}
}

type proposeReply struct {
	id  ident.IntentID
	err error
}

type proposeCmd struct {
	op       tree.TreeOp
	span     []tree.LeafID
	priority uint64
	reply    chan proposeReply
}

func (c *proposeCmd) execute(l *Lane) {
	in, err := intent.New(l.cfg.Random, c.op, c.span, l.state.RootCommitment(), c.priority, l.cfg.Device, l.clk.Now())
	if err != nil {
		c.reply <- proposeReply{err: err}
		return
	}
	if err := l.pool.Enqueue(in); err != nil {
		c.reply <- proposeReply{err: err}
		return
	}
	l.log.Debug("intent enqueued", "intent", in.IntentID.Short(), "kind", c.op.Kind)
	c.reply <- proposeReply{id: in.IntentID}
}

func (c *proposeCmd) abort() { c.reply <- proposeReply{err: ErrStopped} }

// GetState returns a point-in-time copy of the account state.
func (l *Lane) GetState(ctx context.Context) (AccountState, error) {
	cmd := &stateCmd{reply: make(chan AccountState, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return AccountState{}, err
	}
	select {
	case s := <-cmd.reply:
		return s, nil
	case <-ctx.Done():
		return AccountState{}, ctx.Err()
	}
}

type stateCmd struct {
	reply chan AccountState
}

func (c *stateCmd) execute(l *Lane) {
	snapshot := l.state.Clone()
	c.reply <- AccountState{
		Account:        l.cfg.Account,
		Epoch:          snapshot.Epoch,
		Root:           snapshot.RootCommitment(),
		Policy:         snapshot.Policy,
		Leaves:         snapshot.SortedLeaves(),
		GroupKey:       snapshot.GroupKey,
		PendingIntents: l.pool.Len(),
		Facts:          l.cfg.Journal.Len(),
	}
}

func (c *stateCmd) abort() { close(c.reply) }

// SubscribeFacts registers a fact stream. Every fact the lane inserts
// or accepts from then on is delivered in insertion order; a
// subscriber that falls more than buffer facts behind loses the
// overflow. The returned cancel function unregisters the stream and
// closes the channel.
func (l *Lane) SubscribeFacts(ctx context.Context, buffer int) (<-chan journal.Fact, func(), error) {
	if buffer <= 0 {
		buffer = 16
	}
	cmd := &subscribeCmd{buffer: buffer, reply: make(chan subscribeReply, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return nil, nil, err
	}
	select {
	case r := <-cmd.reply:
		if r.ch == nil {
			return nil, nil, ErrStopped
		}
		cancel := func() { l.postAsync(&unsubscribeCmd{id: r.id}) }
		return r.ch, cancel, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

type subscribeReply struct {
	id int
	ch chan journal.Fact
}

type subscribeCmd struct {
	buffer int
	reply  chan subscribeReply
}

func (c *subscribeCmd) execute(l *Lane) {
	ch := make(chan journal.Fact, c.buffer)
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	c.reply <- subscribeReply{id: id, ch: ch}
}

func (c *subscribeCmd) abort() { c.reply <- subscribeReply{} }

type unsubscribeCmd struct {
	id int
}

func (c *unsubscribeCmd) execute(l *Lane) {
	if ch, ok := l.subscribers[c.id]; ok {
		delete(l.subscribers, c.id)
		close(ch)
	}
}

func (c *unsubscribeCmd) abort() {}

func (l *Lane) notify(fact journal.Fact) {
	for id, ch := range l.subscribers {
		select {
		case ch <- fact:
		default:
			l.log.Warn("fact subscriber overflow, dropping", "subscriber", id, "fact", fact.FactID.Short())
		}
	}
}

// SetPeerOnline records a peer device's reachability. The online set
// feeds instigator and link-device selection.
func (l *Lane) SetPeerOnline(device ident.DeviceID, online bool) {
	l.postAsync(&onlineCmd{device: device, online: online})
}

type onlineCmd struct {
	device ident.DeviceID
	online bool
}

func (c *onlineCmd) execute(l *Lane) {
	if c.online {
		l.online[c.device] = true
	} else {
		delete(l.online, c.device)
	}
}

func (c *onlineCmd) abort() {}

// onlineDevices returns the online set plus this device, which is
// always online from its own point of view.
func (l *Lane) onlineDevices() []ident.DeviceID {
	out := make([]ident.DeviceID, 0, len(l.online)+1)
	out = append(out, l.cfg.Device)
	for d := range l.online {
		if d != l.cfg.Device {
			out = append(out, d)
		}
	}
	return out
}

// MergeIntents folds gossiped pool deltas in. Remote adds never
// back-pressure.
func (l *Lane) MergeIntents(adds []intent.Intent, retractions []intent.Retraction) {
	l.postAsync(&mergeCmd{adds: adds, retractions: retractions})
}

type mergeCmd struct {
	adds        []intent.Intent
	retractions []intent.Retraction
}

func (c *mergeCmd) execute(l *Lane) { l.pool.Merge(c.adds, c.retractions) }
func (c *mergeCmd) abort()          {}

// Records returns the accumulated telemetry records.
func (l *Lane) Records(ctx context.Context) ([]Record, error) {
	cmd := &recordsCmd{reply: make(chan []Record, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordsCmd struct {
	reply chan []Record
}

func (c *recordsCmd) execute(l *Lane) {
	out := make([]Record, len(l.telemetry))
	copy(out, l.telemetry)
	c.reply <- out
}

func (c *recordsCmd) abort() { c.reply <- nil }

func (l *Lane) record(session ident.SessionID, event, detail string) {
	l.telemetry = append(l.telemetry, Record{
		At:      l.clk.Now(),
		Session: session,
		Event:   event,
		Detail:  detail,
	})
	l.log.Warn("telemetry", "session", session.Short(), "event", event, "detail", detail)
}

// ApplyFact ingests a fact arriving from anti-entropy or flooding.
// Attested operations are applied to the reduced state; relationship
// key facts sealed to this device are opened and installed. The
// returned bool reports whether the fact was new.
func (l *Lane) ApplyFact(ctx context.Context, content journal.Content) (journal.Fact, bool, error) {
	cmd := &applyCmd{content: content, reply: make(chan applyReply, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return journal.Fact{}, false, err
	}
	select {
	case r := <-cmd.reply:
		return r.fact, r.added, r.err
	case <-ctx.Done():
		return journal.Fact{}, false, ctx.Err()
	}
}

type applyReply struct {
	fact  journal.Fact
	added bool
	err   error
}

type applyCmd struct {
	content journal.Content
	reply   chan applyReply
}

func (c *applyCmd) execute(l *Lane) {
	fact, added, err := l.insertFact(c.content)
	c.reply <- applyReply{fact: fact, added: added, err: err}
}

func (c *applyCmd) abort() { c.reply <- applyReply{err: ErrStopped} }

// insertFact is the single path every fact takes into the journal:
// insert (durable before return), fold into lane state, notify
// subscribers.
func (l *Lane) insertFact(content journal.Content) (journal.Fact, bool, error) {
	fact, added, err := l.cfg.Journal.Insert(content)
	if err != nil {
		return journal.Fact{}, false, err
	}
	if !added {
		return fact, false, nil
	}
	switch content.Kind {
	case journal.KindAttestedOp:
		l.applyAttested(content.AttestedOp)
	case journal.KindRelational:
		l.absorbRelational(content.Relational)
	}
	l.notify(fact)
	return fact, true, nil
}

// applyAttested folds a committed operation into the reduced state. A
// binding mismatch means the operation lost a reduction tie-break or
// arrived before its parent; the op is held and retried each time the
// chain advances, so the live state always converges to the journal
// reduction regardless of delivery order.
func (l *Lane) applyAttested(attested *tree.AttestedOp) {
	before := l.state.Clone()
	if err := l.state.Apply(attested); err != nil {
		l.log.Info("attested operation held", "error", err)
		l.held = append(l.held, attested)
		return
	}
	l.afterApply(before, attested)
	l.retryHeld()
}

// retryHeld re-applies held operations until no further progress.
// Tie-break losers never apply and stay held; reduction marks them
// superseded, so retrying them is a no-op.
func (l *Lane) retryHeld() {
	for progress := true; progress; {
		progress = false
		remaining := l.held[:0]
		for _, attested := range l.held {
			before := l.state.Clone()
			if err := l.state.Apply(attested); err != nil {
				remaining = append(remaining, attested)
				continue
			}
			l.afterApply(before, attested)
			progress = true
		}
		l.held = remaining
	}
}

// absorbRelational installs relationship key material addressed to
// this device.
func (l *Lane) absorbRelational(rel *journal.Relational) {
	switch rel.Kind {
	case journal.RelKeyEstablished, journal.RelKeyUpdate:
		var dist KeyDistribution
		if err := decodePayload(rel.Payload, &dist); err != nil {
			l.log.Warn("malformed key distribution payload", "error", err)
			return
		}
		l.installKeys(dist)
	}
}

// Snapshot pins the current reduced state and garbage-collects every
// fact the snapshot supersedes. Returns the snapshot fact ID and the
// number of facts collected.
func (l *Lane) Snapshot(ctx context.Context) (ident.ID, int, error) {
	cmd := &snapshotCmd{reply: make(chan snapshotReply, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return ident.Zero, 0, err
	}
	select {
	case r := <-cmd.reply:
		return r.id, r.collected, r.err
	case <-ctx.Done():
		return ident.Zero, 0, ctx.Err()
	}
}

type snapshotReply struct {
	id        ident.ID
	collected int
	err       error
}

type snapshotCmd struct {
	reply chan snapshotReply
}

func (c *snapshotCmd) execute(l *Lane) {
	var horizon uint64
	for _, fact := range l.cfg.Journal.Facts() {
		if fact.Sequence >= horizon {
			horizon = fact.Sequence + 1
		}
	}
	content, superseded := l.cfg.Journal.PlanSnapshot(horizon, l.state.RootCommitment())
	fact, _, err := l.insertFact(content)
	if err != nil {
		c.reply <- snapshotReply{err: err}
		return
	}
	if err := l.cfg.Journal.GC(superseded); err != nil {
		c.reply <- snapshotReply{id: fact.FactID, err: err}
		return
	}
	c.reply <- snapshotReply{id: fact.FactID, collected: len(superseded)}
}

func (c *snapshotCmd) abort() { c.reply <- snapshotReply{err: ErrStopped} }

// AttachContext hands the lane a relationship-scoped context journal.
// Recovery grants for privileged operations are written to every
// attached context.
func (l *Lane) AttachContext(ctx context.Context, rel ident.RelationshipID, j *journal.Journal) error {
	if j.Namespace() != journal.NamespaceContext {
		return fmt.Errorf("account: context journal namespace is %q, want %q",
			j.Namespace(), journal.NamespaceContext)
	}
	return l.post(ctx, &attachCmd{rel: rel, journal: j})
}

type attachCmd struct {
	rel     ident.RelationshipID
	journal *journal.Journal
}

func (c *attachCmd) execute(l *Lane) { l.contexts[c.rel] = c.journal }
func (c *attachCmd) abort()          {}
