// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aura-foundation/aura/lib/clock"
	"github.com/aura-foundation/aura/lib/flowbudget"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
)

// ErrBackPressure is returned by Announce when the pending
// announcement queue is full. The caller queues or drops; the journal
// insert that triggered the announcement is unaffected.
var ErrBackPressure = errors.New("announcement queue at capacity")

// Config bounds the flooder.
type Config struct {
	// MaxOpsPerPeer is the per-peer announcement budget per rate
	// interval. The interval is whatever ticker drives
	// ResetRateLimits.
	MaxOpsPerPeer int
	// MaxPendingAnnouncements bounds announcements handed out but not
	// yet acknowledged as sent.
	MaxPendingAnnouncements int
}

// DefaultConfig matches a small household of devices.
func DefaultConfig() Config {
	return Config{
		MaxOpsPerPeer:           64,
		MaxPendingAnnouncements: 256,
	}
}

// Announcement is one fact addressed to one peer. The transport layer
// delivers it and calls Done.
type Announcement struct {
	Peer ident.DeviceID
	Fact journal.Fact

	flooder *Flooder
	once    sync.Once
}

// Done releases the announcement's slot in the pending queue. Called
// exactly once by the sender, whether delivery succeeded or not.
func (a *Announcement) Done() {
	a.once.Do(func() {
		a.flooder.mu.Lock()
		a.flooder.pending--
		a.flooder.mu.Unlock()
	})
}

type peerState struct {
	capability *flowbudget.Capability
	sent       int
}

// Flooder owns the peer edges and their capabilities. The account
// lane serializes capability updates through it.
type Flooder struct {
	cfg     Config
	journal *journal.Journal
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	peers   map[ident.DeviceID]*peerState
	pending int
}

// New creates a flooder over the given journal.
func New(cfg Config, j *journal.Journal, clk clock.Clock, logger *slog.Logger) *Flooder {
	return &Flooder{
		cfg:     cfg,
		journal: j,
		clock:   clk,
		logger:  logger,
		peers:   make(map[ident.DeviceID]*peerState),
	}
}

// AddPeer registers an edge with its capability. Replacing an
// existing peer's capability is how grants arrive.
func (f *Flooder) AddPeer(peer ident.DeviceID, capability *flowbudget.Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.peers[peer]; ok {
		existing.capability = capability
		return
	}
	f.peers[peer] = &peerState{capability: capability}
}

// RemovePeer tears the edge down, destroying its capability.
func (f *Flooder) RemovePeer(peer ident.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, peer)
}

// RevokePeer zeroes a peer's capability without removing the edge.
// Used when an equivocator is being excluded at a policy checkpoint.
func (f *Flooder) RevokePeer(peer ident.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.peers[peer]; ok {
		state.capability.BytesRemaining = 0
	}
}

// Announce fans a newly accepted fact out to every eligible peer.
// Ineligible edges (exhausted budget, rate limit) are skipped with a
// log line, not an error; a full pending queue back-pressures the
// whole call before any edge is charged.
func (f *Flooder) Announce(fact journal.Fact) ([]*Announcement, error) {
	size, err := factSize(fact)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	eligible := make([]ident.DeviceID, 0, len(f.peers))
	now := f.clock.Now()
	for peer, state := range f.peers {
		if state.sent >= f.cfg.MaxOpsPerPeer {
			f.logger.Debug("skipping peer, rate limited",
				"peer", peer.Short(), "sent", state.sent)
			continue
		}
		if !state.capability.Usable(now, size) {
			f.logger.Debug("skipping peer, budget exhausted",
				"peer", peer.Short(), "size", size,
				"remaining", state.capability.BytesRemaining)
			continue
		}
		eligible = append(eligible, peer)
	}
	slices.SortFunc(eligible, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		return 1
	})

	if f.pending+len(eligible) > f.cfg.MaxPendingAnnouncements {
		return nil, fmt.Errorf("%w: %d pending, %d eligible", ErrBackPressure, f.pending, len(eligible))
	}

	announcements := make([]*Announcement, 0, len(eligible))
	for _, peer := range eligible {
		state := f.peers[peer]
		if err := state.capability.Spend(now, size); err != nil {
			// Usable raced nothing (we hold the lock); decay between
			// the two reads cannot happen for the same now.
			continue
		}
		state.sent++
		f.pending++
		announcements = append(announcements, &Announcement{
			Peer:    peer,
			Fact:    fact,
			flooder: f,
		})
	}
	return announcements, nil
}

// ResetRateLimits clears the per-peer counters. Driven by an external
// ticker.
func (f *Flooder) ResetRateLimits() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, state := range f.peers {
		state.sent = 0
	}
}

// ServePull answers a lazy-pull request: the fact iff the ID is held.
func (f *Flooder) ServePull(id ident.ID) (journal.Fact, bool) {
	return f.journal.Get(id)
}

// Pending returns the current pending-announcement count.
func (f *Flooder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}
