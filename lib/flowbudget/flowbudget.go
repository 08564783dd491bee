// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package flowbudget implements the per-edge capability that bounds
// how many bytes a peer may push across a directed edge.
//
// A capability is a decaying byte budget plus a concurrent-stream
// limit and an optional expiration. Budgets only move down between
// explicit grants: sends spend them, decay erodes them, and the decay
// is applied lazily whenever the capability is read, so no background
// timer is needed. Capabilities across a multi-hop path compose by
// the meet: the weakest edge bounds the path.
package flowbudget

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrBudgetExhausted is returned by Spend when the remaining budget
// cannot cover the requested size. The edge is skipped, not torn
// down; a later grant revives it.
var ErrBudgetExhausted = errors.New("flow budget exhausted")

// ErrInvalidCapability is returned when a capability cannot be used
// or composed, for instance after its expiration.
var ErrInvalidCapability = errors.New("invalid capability")

// DecayKind names the budget decay policy.
type DecayKind string

const (
	DecayNone        DecayKind = "none"
	DecayLinear      DecayKind = "linear"
	DecayExponential DecayKind = "exponential"
)

// Decay describes how an unused budget erodes over time.
type Decay struct {
	Kind DecayKind `json:"kind"`
	// Rate is the bytes removed per Interval (linear only).
	Rate     uint64        `json:"rate,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	// HalfLife halves the remaining budget each period (exponential
	// only).
	HalfLife time.Duration `json:"half_life,omitempty"`
}

// Capability is the budget on one directed peer edge.
type Capability struct {
	BytesRemaining uint64    `json:"bytes_remaining"`
	MaxStreams     uint32    `json:"max_streams"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	Decay          Decay     `json:"decay"`
	LastUpdated    time.Time `json:"last_updated"`
}

// New creates a capability with a full budget and no expiration.
func New(bytes uint64, streams uint32, decay Decay, now time.Time) *Capability {
	return &Capability{
		BytesRemaining: bytes,
		MaxStreams:     streams,
		Decay:          decay,
		LastUpdated:    now,
	}
}

// ApplyDecay erodes the budget for the time elapsed since the last
// update. Idempotent for the same now; never yields a negative
// budget.
func (c *Capability) ApplyDecay(now time.Time) {
	elapsed := now.Sub(c.LastUpdated)
	if elapsed <= 0 {
		return
	}
	c.LastUpdated = now

	switch c.Decay.Kind {
	case DecayLinear:
		if c.Decay.Interval <= 0 || c.Decay.Rate == 0 {
			return
		}
		intervals := uint64(elapsed / c.Decay.Interval)
		lost := intervals * c.Decay.Rate
		if lost >= c.BytesRemaining {
			c.BytesRemaining = 0
			return
		}
		c.BytesRemaining -= lost
	case DecayExponential:
		if c.Decay.HalfLife <= 0 {
			return
		}
		periods := float64(elapsed) / float64(c.Decay.HalfLife)
		c.BytesRemaining = uint64(float64(c.BytesRemaining) * math.Exp2(-periods))
	}
}

// Spend decrements the budget by size after applying decay. An
// expired capability is unusable; an insufficient budget returns
// ErrBudgetExhausted and leaves the capability unchanged.
func (c *Capability) Spend(now time.Time, size uint64) error {
	if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
		return fmt.Errorf("%w: expired %s ago", ErrInvalidCapability, now.Sub(c.ExpiresAt))
	}
	c.ApplyDecay(now)
	if c.BytesRemaining < size {
		return fmt.Errorf("%w: %d bytes remaining, need %d", ErrBudgetExhausted, c.BytesRemaining, size)
	}
	c.BytesRemaining -= size
	return nil
}

// Usable reports whether the edge can carry a fact of the given size
// right now, without spending.
func (c *Capability) Usable(now time.Time, size uint64) bool {
	if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
		return false
	}
	c.ApplyDecay(now)
	return c.BytesRemaining >= size
}

// Grant replenishes the budget. Decay owed up to now is settled
// first, so the grant is not retroactively eroded.
func (c *Capability) Grant(now time.Time, bytes uint64) {
	c.ApplyDecay(now)
	c.BytesRemaining += bytes
}

// Meet composes two capabilities along a path: minimum budget,
// minimum stream limit, earliest expiration, and the stricter decay.
// The result is the greatest capability weaker than both.
func Meet(now time.Time, a, b *Capability) *Capability {
	a.ApplyDecay(now)
	b.ApplyDecay(now)
	out := &Capability{
		BytesRemaining: min(a.BytesRemaining, b.BytesRemaining),
		MaxStreams:     min(a.MaxStreams, b.MaxStreams),
		ExpiresAt:      earliest(a.ExpiresAt, b.ExpiresAt),
		Decay:          stricterDecay(a.Decay, b.Decay),
		LastUpdated:    now,
	}
	return out
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}

// stricterDecay picks the policy that erodes faster. Across kinds,
// any decay beats none and exponential beats linear; within a kind
// the faster parameters win. The choice is deterministic, which is
// what the semilattice laws need.
func stricterDecay(a, b Decay) Decay {
	rank := func(d Decay) int {
		switch d.Kind {
		case DecayExponential:
			return 2
		case DecayLinear:
			return 1
		default:
			return 0
		}
	}
	if rank(a) != rank(b) {
		if rank(a) > rank(b) {
			return a
		}
		return b
	}
	switch a.Kind {
	case DecayLinear:
		// A linear decay with no interval or rate never fires; the
		// live one is stricter.
		aLive := a.Interval > 0 && a.Rate > 0
		bLive := b.Interval > 0 && b.Rate > 0
		if aLive != bLive {
			if aLive {
				return a
			}
			return b
		}
		if !aLive {
			return decayTieBreak(a, b)
		}
		// Higher rate per unit interval decays faster. Equal erosion
		// ties break on the parameters so the meet commutes.
		ra := float64(a.Rate) / float64(a.Interval)
		rb := float64(b.Rate) / float64(b.Interval)
		switch {
		case ra > rb:
			return a
		case rb > ra:
			return b
		}
		return decayTieBreak(a, b)
	case DecayExponential:
		switch {
		case a.HalfLife < b.HalfLife:
			return a
		case b.HalfLife < a.HalfLife:
			return b
		}
		return decayTieBreak(a, b)
	default:
		return decayTieBreak(a, b)
	}
}

// decayTieBreak orders equally strict decays by their raw parameters,
// smallest first. Any total order works; it only has to be the same
// in both argument orders.
func decayTieBreak(a, b Decay) Decay {
	switch {
	case a.Interval != b.Interval:
		if a.Interval < b.Interval {
			return a
		}
		return b
	case a.Rate != b.Rate:
		if a.Rate < b.Rate {
			return a
		}
		return b
	case a.HalfLife != b.HalfLife:
		if a.HalfLife < b.HalfLife {
			return a
		}
		return b
	}
	return a
}
