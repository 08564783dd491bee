// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package intent

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aura-foundation/aura/lib/ident"
)

// ErrBackPressure is returned by Enqueue when the pool is at capacity.
// The caller retries after commits drain the pool, or drops the
// intent.
var ErrBackPressure = errors.New("intent pool at capacity")

// RetractReason records why an intent left the pool.
type RetractReason string

const (
	RetractCommitted  RetractReason = "committed"
	RetractSuperseded RetractReason = "superseded"
	RetractFailed     RetractReason = "failed"
	RetractWithdrawn  RetractReason = "withdrawn"
)

// Retraction is the tombstone half of the OR-set. It gossips alongside
// adds and permanently shadows the matching intent ID.
type Retraction struct {
	IntentID ident.IntentID `json:"intent_id"`
	Reason   RetractReason  `json:"reason"`
}

// Pool is the OR-set of pending intents. Locally authored intents
// enter through Enqueue (which enforces capacity); remote intents
// enter through Merge (which never back-pressures, since refusing a
// gossiped add would only delay convergence).
type Pool struct {
	maxPending int

	mu         sync.RWMutex
	adds       map[ident.IntentID]Intent
	tombstones map[ident.IntentID]Retraction
}

// NewPool creates a pool that back-pressures local enqueues past
// maxPending live intents.
func NewPool(maxPending int) *Pool {
	return &Pool{
		maxPending: maxPending,
		adds:       make(map[ident.IntentID]Intent),
		tombstones: make(map[ident.IntentID]Retraction),
	}
}

// Enqueue adds a locally authored intent. Returns ErrBackPressure at
// capacity. Enqueueing an already-retracted ID is a no-op: the
// tombstone wins.
func (p *Pool) Enqueue(in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dead := p.tombstones[in.IntentID]; dead {
		return nil
	}
	if _, ok := p.adds[in.IntentID]; ok {
		return nil
	}
	if p.liveLocked() >= p.maxPending {
		return fmt.Errorf("%w (%d pending)", ErrBackPressure, p.maxPending)
	}
	p.adds[in.IntentID] = in
	return nil
}

// Merge folds in gossiped adds and retractions. Invalid intents are
// skipped; everything else is union semantics with tombstones
// shadowing adds regardless of arrival order.
func (p *Pool) Merge(adds []Intent, retractions []Retraction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range retractions {
		p.tombstones[r.IntentID] = r
		delete(p.adds, r.IntentID)
	}
	for _, in := range adds {
		if in.Validate() != nil {
			continue
		}
		if _, dead := p.tombstones[in.IntentID]; dead {
			continue
		}
		p.adds[in.IntentID] = in
	}
}

// Retract tombstones an intent. The tombstone is kept even if the add
// was never seen, so a late-arriving add cannot resurrect it.
func (p *Pool) Retract(id ident.IntentID, reason RetractReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tombstones[id] = Retraction{IntentID: id, Reason: reason}
	delete(p.adds, id)
}

// Get returns the live intent with the given ID.
func (p *Pool) Get(id ident.IntentID) (Intent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	in, ok := p.adds[id]
	return in, ok
}

// Live returns all live intents sorted by intent ID.
func (p *Pool) Live() []Intent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	live := make([]Intent, 0, len(p.adds))
	for _, in := range p.adds {
		live = append(live, in)
	}
	slices.SortFunc(live, func(a, b Intent) int { return compareIDs(a.IntentID, b.IntentID) })
	return live
}

// Retractions returns all tombstones sorted by intent ID, for gossip.
func (p *Pool) Retractions() []Retraction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Retraction, 0, len(p.tombstones))
	for _, r := range p.tombstones {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Retraction) int { return compareIDs(a.IntentID, b.IntentID) })
	return out
}

// Len returns the number of live intents.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveLocked()
}

func (p *Pool) liveLocked() int { return len(p.adds) }

// RankAndPick computes the deterministic batch for the given current
// root commitment: intents drafted against that root, sorted by
// priority descending then intent ID ascending, greedily admitted
// while their path spans stay disjoint, capped at capacity. Stale
// intents are skipped, not removed; they stay in the set until a
// retraction arrives.
func (p *Pool) RankAndPick(snapshot ident.Hash32, capacity int) []Intent {
	p.mu.RLock()
	candidates := make([]Intent, 0, len(p.adds))
	for _, in := range p.adds {
		if in.SnapshotCommitment == snapshot {
			candidates = append(candidates, in)
		}
	}
	p.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b Intent) int {
		if a.Priority != b.Priority {
			if a.Priority > b.Priority {
				return -1
			}
			return 1
		}
		return compareIDs(a.IntentID, b.IntentID)
	})

	var batch []Intent
	for _, cand := range candidates {
		if capacity > 0 && len(batch) >= capacity {
			break
		}
		conflict := false
		for _, admitted := range batch {
			if overlaps(cand.PathSpan, admitted.PathSpan) {
				conflict = true
				break
			}
		}
		if !conflict {
			batch = append(batch, cand)
		}
	}
	return batch
}

// Instigator selects the device that executes the batch: the
// lexicographically smallest device ID among those online that
// authored at least one admitted intent. Returns false if no admitted
// author is online.
func Instigator(batch []Intent, online []ident.DeviceID) (ident.DeviceID, bool) {
	var best ident.DeviceID
	found := false
	for _, in := range batch {
		if !slices.Contains(online, in.Author) {
			continue
		}
		if !found || in.Author.Less(best) {
			best = in.Author
			found = true
		}
	}
	return best, found
}

func compareIDs(a, b ident.ID) int {
	if a.Less(b) {
		return -1
	}
	if b.Less(a) {
		return 1
	}
	return 0
}
