// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/aura-foundation/aura/lib/ident"
)

// Signaler exchanges WebRTC session descriptions between devices.
// [RendezvousSignaler] talks to an HTTP rendezvous server in
// production; tests use [MemorySignaler].
//
// The signaling model is vanilla ICE: all ICE candidates are
// gathered before the SDP is published, so establishment needs
// exactly one round-trip (offer then answer).
type Signaler interface {
	// PublishOffer stores a complete SDP offer from one device
	// directed at another, where PollOffers on the target device
	// will find it.
	PublishOffer(ctx context.Context, from, to ident.DeviceID, sdp string) error

	// PublishAnswer stores a complete SDP answer in response to a
	// previously received offer, addressed back to the offerer.
	PublishAnswer(ctx context.Context, offerer, from ident.DeviceID, sdp string) error

	// PollOffers returns pending offers directed at the device that
	// have not been returned by an earlier poll.
	PollOffers(ctx context.Context, device ident.DeviceID) ([]SignalMessage, error)

	// PollAnswers returns pending answers to offers the device
	// originated that have not been returned by an earlier poll.
	PollAnswers(ctx context.Context, device ident.DeviceID) ([]SignalMessage, error)
}

// SignalMessage is one signaling message, offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for received offers, the
	// answerer for received answers.
	Peer ident.DeviceID

	// SDP is the complete session description with all ICE
	// candidates embedded.
	SDP string

	// Timestamp is the RFC 3339 creation time of the signal, used
	// to suppress already-processed messages across polls.
	Timestamp string
}
